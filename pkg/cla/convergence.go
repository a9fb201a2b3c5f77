// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cla defines the interfaces for Convergence Layer Adapters and a
// Manager to supervise them.
//
// A Convergence is a started and supervised adapter towards one transport
// medium. Its events, e.g., received messages or appearing peers, are reported
// back through a channel of ConvergenceStatus values.
//
// Those types are generalized by the Convergable interface.
//
// A centralized instance for CLA management offers the Manager, designed to
// work seamlessly with the types above.
package cla

// Convergable describes any kind of type which supports convergence layer-
// related services.
type Convergable interface {
	// Close signals this Convergable to shut down.
	Close() error
}

// Convergence is an interface to describe all kinds of Convergence Layer
// Adapters which can be supervised by a Manager.
type Convergence interface {
	Convergable

	// Start starts this Convergence and might return an error and a boolean
	// indicating if another Start should be tried later.
	Start() (error, bool)

	// Channel represents a return channel for received messages, status
	// messages, etc.
	Channel() chan ConvergenceStatus

	// Address should return a unique address string to both identify this
	// Convergence and ensure it will not opened twice.
	Address() string

	// IsPermanent returns true, if this CLA should not be removed after failures.
	IsPermanent() bool
}
