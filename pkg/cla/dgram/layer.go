// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dgram

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dtn7/cboring"
	"github.com/dtn7/dtn7-go/pkg/bpv7"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-dgram/pkg/cla"
)

// BeaconHandler inspects received discovery beacons.
type BeaconHandler interface {
	// HandleBeacon parses a beacon received by the Layer of the given address
	// from a peer. It returns the peer's node ID or an error if the beacon
	// should be ignored, e.g., because it is our own.
	HandleBeacon(address, peer string, payload []byte) (nodeID string, err error)
}

// Options for a Layer. The zero value is usable.
type Options struct {
	// Compress each message with xz.
	Compress bool

	// QueueSize is the amount of Jobs waiting per Connection.
	QueueSize int

	// IdleTimeout shuts down Connections without any traffic. Zero disables.
	IdleTimeout time.Duration

	// NewMessage creates an empty message to be deserialized. Defaults to a
	// *bpv7.Bundle.
	NewMessage func() cboring.CborMarshaler

	// BeaconHandler for received broadcasts. Beacons are ignored if nil.
	BeaconHandler BeaconHandler

	// Permanent marks the Layer as a permanent Convergence for the cla.Manager.
	Permanent bool

	// Logger to derive all log entries from. Defaults to the standard logger.
	Logger *log.Entry
}

// Layer dispatches the datagrams of one Service to Connections, one per peer.
// It implements cla.Convergence.
type Layer struct {
	service Service
	address string
	params  Parameters
	opts    Options
	logger  *log.Entry
	stats   *Stats

	reportChan chan cla.ConvergenceStatus

	tableMutex sync.Mutex
	tableCond  *sync.Cond
	table      map[string]*Connection
	live       int
	accepting  bool

	sendMutex      sync.Mutex
	broadcastSeqNo uint

	stateMutex sync.Mutex
	running    bool

	stopMutex sync.RWMutex
	stopSyn   chan struct{}
	stopAck   chan struct{}
}

// NewLayer for a Service. The Layer starts working after Start was called.
func NewLayer(service Service, opts Options) *Layer {
	if opts.NewMessage == nil {
		opts.NewMessage = func() cboring.CborMarshaler {
			return new(bpv7.Bundle)
		}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	l := &Layer{
		service:    service,
		address:    fmt.Sprintf("%v://%s", service.Kind(), service.Description()),
		params:     service.Parameters(),
		opts:       opts,
		reportChan: make(chan cla.ConvergenceStatus, 64),
		table:      make(map[string]*Connection),
	}
	l.stats = newStats(l.address)
	l.tableCond = sync.NewCond(&l.tableMutex)

	if opts.Logger != nil {
		l.logger = opts.Logger.WithField("cla", l.Address())
	} else {
		l.logger = log.WithField("cla", l.Address())
	}

	// A closed stop channel makes reports before the first Start non-blocking.
	l.stopSyn = make(chan struct{})
	close(l.stopSyn)

	return l
}

// Start binds the Service and starts dispatching.
func (l *Layer) Start() (err error, retry bool) {
	l.stateMutex.Lock()
	defer l.stateMutex.Unlock()

	if l.running {
		return fmt.Errorf("%v is already running", l), false
	}

	if paramErr := l.params.CheckValid(); paramErr != nil {
		return fmt.Errorf("invalid parameters of %v: %w", l, paramErr), false
	}

	if bindErr := l.service.Bind(); bindErr != nil {
		return fmt.Errorf("binding %v failed: %w", l, bindErr), true
	}

	stopSyn, stopAck := make(chan struct{}), make(chan struct{})
	l.stopMutex.Lock()
	l.stopSyn, l.stopAck = stopSyn, stopAck
	l.stopMutex.Unlock()

	l.tableMutex.Lock()
	l.accepting = true
	l.tableMutex.Unlock()

	l.running = true
	go l.receiveLoop(stopSyn, stopAck)

	l.logger.WithField("parameters", l.params).Info("Started datagram layer")
	return nil, true
}

// Close the Service and all Connections. Pending Jobs fail.
func (l *Layer) Close() error {
	l.stateMutex.Lock()
	defer l.stateMutex.Unlock()

	if !l.running {
		return nil
	}
	l.running = false

	l.tableMutex.Lock()
	l.accepting = false
	conns := make([]*Connection, 0, len(l.table))
	for _, c := range l.table {
		conns = append(conns, c)
	}
	l.tableMutex.Unlock()

	l.stopMutex.RLock()
	stopSyn, stopAck := l.stopSyn, l.stopAck
	l.stopMutex.RUnlock()
	close(stopSyn)

	var errs error
	if err := l.service.Shutdown(); err != nil {
		errs = multierror.Append(errs, err)
	}
	<-stopAck

	for _, c := range conns {
		c.Shutdown()
	}

	// Connections detached from the table might still be shutting down.
	l.tableMutex.Lock()
	for l.live > 0 {
		l.tableCond.Wait()
	}
	l.tableMutex.Unlock()

	l.logger.Info("Closed datagram layer")
	return errs
}

// Channel of ConvergenceStatus reports.
func (l *Layer) Channel() chan cla.ConvergenceStatus {
	return l.reportChan
}

// Address of this Layer, its Service's kind and description.
func (l *Layer) Address() string {
	return l.address
}

// IsPermanent as configured by the Options.
func (l *Layer) IsPermanent() bool {
	return l.opts.Permanent
}

// Service of this Layer.
func (l *Layer) Service() Service {
	return l.service
}

// Parameters of the underlying Service.
func (l *Layer) Parameters() Parameters {
	return l.params
}

func (l *Layer) String() string {
	return l.Address()
}

// Stats of this Layer.
func (l *Layer) Stats() StatsSnapshot {
	return l.stats.Snapshot()
}

// ResetStats to zero.
func (l *Layer) ResetStats() {
	l.stats.Reset()
}

// Metrics of this Layer, to be registered at a prometheus.Registerer.
func (l *Layer) Metrics() prometheus.Collector {
	return l.stats
}

// Connections returns a snapshot of all Connections, sorted by identifier.
func (l *Layer) Connections() []ConnectionInfo {
	l.tableMutex.Lock()
	conns := make([]*Connection, 0, len(l.table))
	for _, c := range l.table {
		conns = append(conns, c)
	}
	l.tableMutex.Unlock()

	infos := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Identifier < infos[j].Identifier
	})
	return infos
}

// Queue a Job to its peer. The Job's outcome is reported through the Job.
func (l *Layer) Queue(job *Job) error {
	c, err := l.connection(job.Peer, true)
	if err != nil {
		job.finish(err)
		return err
	}
	return c.Queue(job)
}

// Announce a discovery beacon to all neighbors.
func (l *Layer) Announce(payload []byte) error {
	l.tableMutex.Lock()
	accepting := l.accepting
	l.tableMutex.Unlock()

	if !accepting {
		return ErrLayerClosed
	}

	l.sendMutex.Lock()
	defer l.sendMutex.Unlock()

	seqNo := l.broadcastSeqNo % l.params.MaxSeqNumbers
	l.broadcastSeqNo++

	if err := l.service.Broadcast(HeaderBroadcast, 0, seqNo, payload); err != nil {
		return fmt.Errorf("broadcasting beacon on %v: %w", l, err)
	}
	return nil
}

// connection finds or, if create is set, creates the Connection for a peer.
func (l *Layer) connection(peer string, create bool) (*Connection, error) {
	l.tableMutex.Lock()

	if c, ok := l.table[peer]; ok {
		l.tableMutex.Unlock()
		return c, nil
	}

	if !create {
		l.tableMutex.Unlock()
		return nil, fmt.Errorf("no connection to %s", peer)
	}
	if !l.accepting {
		l.tableMutex.Unlock()
		return nil, ErrLayerClosed
	}

	c := newConnection(peer, l, connectionConfig{
		params:      l.params,
		compress:    l.opts.Compress,
		queueSize:   l.opts.QueueSize,
		idleTimeout: l.opts.IdleTimeout,
		newMessage:  l.opts.NewMessage,
		stats:       l.stats,
		logger:      l.logger,
	})
	l.table[peer] = c
	l.live++
	c.start()
	l.tableMutex.Unlock()

	l.logger.WithField("peer", peer).Info("Connection is up")
	l.report(cla.NewConvergencePeerAppeared(l, peer), nil)

	return c, nil
}

func (l *Layer) connectionClosing(c *Connection) {
	l.tableMutex.Lock()
	if l.table[c.identifier] == c {
		delete(l.table, c.identifier)
	}
	l.tableMutex.Unlock()
}

func (l *Layer) connectionDown(c *Connection) {
	l.tableMutex.Lock()
	if l.table[c.identifier] == c {
		delete(l.table, c.identifier)
	}
	l.live--
	l.tableCond.Broadcast()
	l.tableMutex.Unlock()

	l.logger.WithField("peer", c.identifier).Info("Connection is down")
	l.report(cla.NewConvergencePeerDisappeared(l, c.identifier), nil)
}

func (l *Layer) deliver(c *Connection, msg cboring.CborMarshaler) {
	l.report(cla.NewConvergenceReceivedMessage(l, c.identifier, msg), c.closing())
}

// report a status unless the Layer or the optional done channel are closed.
func (l *Layer) report(cs cla.ConvergenceStatus, done <-chan struct{}) {
	l.stopMutex.RLock()
	stopSyn := l.stopSyn
	l.stopMutex.RUnlock()

	select {
	case l.reportChan <- cs:
	case <-stopSyn:
	case <-done:
	}
}

func (l *Layer) transmitRaw(t HeaderType, f Flags, seqNo uint, peer string, payload []byte) error {
	l.sendMutex.Lock()
	defer l.sendMutex.Unlock()

	return l.service.Send(t, f, seqNo, peer, payload)
}

func (l *Layer) receiveLoop(stopSyn, stopAck chan struct{}) {
	defer close(stopAck)

	for {
		dg, err := l.service.Receive()
		if err != nil {
			select {
			case <-stopSyn:
			default:
				l.logger.WithError(err).Warn("Receiving failed, stopping datagram layer")
				l.report(cla.NewConvergenceFailed(l, err), nil)
			}
			return
		}

		l.dispatch(dg)
	}
}

func (l *Layer) dispatch(dg Datagram) {
	logger := l.logger.WithFields(log.Fields{
		"peer":  dg.Peer,
		"type":  dg.Type,
		"flags": dg.Flags,
		"seqno": dg.SeqNo,
	})

	switch dg.Type {
	case HeaderSegment:
		c, err := l.connection(dg.Peer, true)
		if err != nil {
			logger.WithError(err).Debug("Dropping segment")
			return
		}
		if err := c.queue(dg.Flags, dg.SeqNo, dg.Payload); err != nil {
			logger.WithError(err).Info("Queueing segment failed, shutting down connection")
			go c.Shutdown()
		}

	case HeaderAck, HeaderNack:
		c, err := l.connection(dg.Peer, false)
		if err != nil {
			logger.Debug("Dropping acknowledgement for unknown connection")
			return
		}
		if dg.Type == HeaderAck {
			c.ack(dg.SeqNo)
		} else {
			c.nack(dg.SeqNo, dg.Flags.Temporary())
		}

	case HeaderBroadcast:
		l.handleBeacon(dg, logger)

	default:
		logger.Debug("Dropping datagram of unknown type")
	}
}

func (l *Layer) handleBeacon(dg Datagram, logger *log.Entry) {
	if len(dg.Payload) == 0 {
		logger.Debug("Ignoring short beacon")
		return
	}
	if l.opts.BeaconHandler == nil {
		return
	}

	nodeID, err := l.opts.BeaconHandler.HandleBeacon(l.Address(), dg.Peer, dg.Payload)
	if err != nil {
		logger.WithError(err).Debug("Ignoring beacon")
		return
	}

	c, err := l.connection(dg.Peer, true)
	if err != nil {
		logger.WithError(err).Debug("Beacon without connection")
		return
	}
	c.setPeerNode(nodeID)
}
