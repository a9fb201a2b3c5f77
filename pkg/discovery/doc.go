// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery announces this node's datagram services through beacons
// and keeps track of neighbors, discovered by their beacons.
//
// Beacons are broadcasted by the datagram Layers themselves. The Manager
// creates them periodically and parses the received ones as the Layers'
// BeaconHandler.
package discovery
