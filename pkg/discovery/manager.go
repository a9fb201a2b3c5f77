// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2020 Markus Sommer
// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dtn7/dtn7-go/pkg/bpv7"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-dgram/pkg/cla/dgram"
)

// ErrOwnBeacon is returned for beacons sent by this node.
var ErrOwnBeacon = errors.New("own beacon")

// DefaultInterval between two beacons.
const DefaultInterval = 10 * time.Second

// expiryFactor times the interval without beacons removes a Neighbor.
const expiryFactor = 3

// Announcer broadcasts beacons for its Service, e.g., a *dgram.Layer.
type Announcer interface {
	Announce(payload []byte) error
	Service() dgram.Service
}

// Neighbor is a node known through its beacons.
type Neighbor struct {
	NodeID   string    `json:"node_id"`
	Address  string    `json:"address"`
	Peer     string    `json:"peer"`
	Services []Service `json:"services"`
	LastSeen time.Time `json:"last_seen"`
}

// Manager publishes this node's beacons and receives the others'.
// It implements dgram.BeaconHandler.
type Manager struct {
	nodeID   bpv7.EndpointID
	interval time.Duration
	logger   *log.Entry

	mutex      sync.Mutex
	announcers []Announcer
	neighbors  map[string]Neighbor

	stopOnce sync.Once
	stopSyn  chan struct{}
	stopAck  chan struct{}
}

// NewManager for the given node ID will be created and started. A zero
// interval falls back to the DefaultInterval.
func NewManager(nodeID bpv7.EndpointID, interval time.Duration, logger *log.Entry) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	m := &Manager{
		nodeID:    nodeID,
		interval:  interval,
		logger:    logger.WithField("discovery", nodeID.String()),
		neighbors: make(map[string]Neighbor),
		stopSyn:   make(chan struct{}),
		stopAck:   make(chan struct{}),
	}

	go m.handler()

	return m
}

// Register an Announcer to be included in and to send the beacons.
func (m *Manager) Register(a Announcer) {
	m.mutex.Lock()
	m.announcers = append(m.announcers, a)
	m.mutex.Unlock()
}

func (m *Manager) handler() {
	defer close(m.stopAck)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSyn:
			return

		case now := <-ticker.C:
			m.announce()
			m.expire(now)
		}
	}
}

// beacon for all registered Announcers.
func (m *Manager) beacon() (Beacon, []Announcer) {
	m.mutex.Lock()
	announcers := append([]Announcer(nil), m.announcers...)
	m.mutex.Unlock()

	b := Beacon{NodeID: m.nodeID}
	for _, a := range announcers {
		s := a.Service()
		b.Services = append(b.Services, Service{Tag: s.Kind().String(), Description: s.Description()})
	}
	return b, announcers
}

func (m *Manager) announce() {
	b, announcers := m.beacon()
	if len(announcers) == 0 {
		return
	}

	payload, err := MarshalBeacon(b)
	if err != nil {
		m.logger.WithError(err).Warn("Marshalling beacon failed")
		return
	}

	for _, a := range announcers {
		if err := a.Announce(payload); err != nil {
			m.logger.WithFields(log.Fields{
				"service": a.Service().Description(),
				"error":   err,
			}).Debug("Announcing beacon failed")
		}
	}
}

func (m *Manager) expire(now time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for key, n := range m.neighbors {
		if now.Sub(n.LastSeen) > expiryFactor*m.interval {
			m.logger.WithField("neighbor", n.NodeID).Info("Neighbor expired")
			delete(m.neighbors, key)
		}
	}
}

// HandleBeacon parses a beacon and records its sender as a Neighbor.
func (m *Manager) HandleBeacon(address, peer string, payload []byte) (nodeID string, err error) {
	b, err := UnmarshalBeacon(payload)
	if err != nil {
		return "", fmt.Errorf("unmarshalling beacon failed: %w", err)
	} else if b.Short {
		return "", ErrShortBeacon
	} else if b.NodeID.SameNode(m.nodeID) {
		return "", ErrOwnBeacon
	}

	nodeID = b.NodeID.String()

	m.mutex.Lock()
	_, known := m.neighbors[address+"/"+peer]
	m.neighbors[address+"/"+peer] = Neighbor{
		NodeID:   nodeID,
		Address:  address,
		Peer:     peer,
		Services: b.Services,
		LastSeen: time.Now(),
	}
	m.mutex.Unlock()

	if !known {
		m.logger.WithFields(log.Fields{
			"neighbor": nodeID,
			"address":  address,
			"peer":     peer,
			"services": b.Services,
		}).Info("Discovered new neighbor")
	}

	return
}

// Neighbors known right now, sorted by their node ID and peer.
func (m *Manager) Neighbors() []Neighbor {
	m.mutex.Lock()
	ns := make([]Neighbor, 0, len(m.neighbors))
	for _, n := range m.neighbors {
		ns = append(ns, n)
	}
	m.mutex.Unlock()

	sort.Slice(ns, func(i, j int) bool {
		if ns[i].NodeID != ns[j].NodeID {
			return ns[i].NodeID < ns[j].NodeID
		}
		return ns[i].Address+ns[i].Peer < ns[j].Address+ns[j].Peer
	})
	return ns
}

// Close the Manager. Registered Announcers are not closed.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopSyn)
		<-m.stopAck
	})
}
