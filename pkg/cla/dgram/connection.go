// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dgram

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dtn7/cboring"
	log "github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

// SendState of a Connection's outgoing side.
type SendState uint8

const (
	SendIdle SendState = iota
	SendWaitAck
	SendNext
	SendError
)

func (s SendState) String() string {
	switch s {
	case SendIdle:
		return "idle"
	case SendWaitAck:
		return "wait-ack"
	case SendNext:
		return "next"
	case SendError:
		return "error"
	default:
		return "unknown"
	}
}

// RecvState of a Connection's incoming side.
type RecvState uint8

const (
	RecvIdle RecvState = iota
	RecvHead
	RecvTransmission
	RecvError
)

func (s RecvState) String() string {
	switch s {
	case RecvIdle:
		return "idle"
	case RecvHead:
		return "head"
	case RecvTransmission:
		return "transmission"
	case RecvError:
		return "error"
	default:
		return "unknown"
	}
}

// rttWeight of the previous average in the round-trip time's moving average.
const rttWeight = 0.875

// connectionHost is the dispatcher a Connection is attached to, i.e., the Layer.
type connectionHost interface {
	// transmitRaw sends one datagram to a peer.
	transmitRaw(t HeaderType, f Flags, seqNo uint, peer string, payload []byte) error

	// deliver a received message.
	deliver(c *Connection, msg cboring.CborMarshaler)

	// connectionClosing is called once when a Connection starts shutting down.
	// Afterwards, the Connection must not be found for its peer anymore.
	connectionClosing(c *Connection)

	// connectionDown is called once after a Connection was shut down.
	connectionDown(c *Connection)
}

// connectionConfig is shared by all Connections of a Layer.
type connectionConfig struct {
	params      Parameters
	compress    bool
	queueSize   int
	idleTimeout time.Duration
	newMessage  func() cboring.CborMarshaler
	stats       *Stats
	logger      *log.Entry
}

// ackSignal releases the Stream's blocked writer.
type ackSignal struct {
	refused bool
}

// Connection to one peer, identified by its service specific identifier.
type Connection struct {
	identifier string
	host       connectionHost
	conf       connectionConfig
	logger     *log.Entry

	stream *Stream
	sender *Sender

	peerNode atomic.Value

	// Outgoing side
	sendMutex     sync.Mutex
	sendState     SendState
	nextSendSeqNo uint
	sendLast      bool
	avgRtt        time.Duration
	ackChan       chan ackSignal

	// Incoming side
	recvMutex     sync.Mutex
	recvState     RecvState
	recvSeqNo     uint
	recvTag       uint64
	head          []byte
	rejecting     bool
	lastValid     bool
	lastSeqNo     uint
	lastFlags     Flags
	lastReplyType HeaderType
	lastReplyFlag Flags

	lastActivity int64

	detachOnce sync.Once
	stopOnce   sync.Once
	stopSyn    chan struct{}
	wg         sync.WaitGroup
}

func newConnection(identifier string, host connectionHost, conf connectionConfig) *Connection {
	c := &Connection{
		identifier: identifier,
		host:       host,
		conf:       conf,
		logger:     conf.logger.WithField("peer", identifier),

		sendState: SendIdle,
		avgRtt:    conf.params.InitialTimeout,
		ackChan:   make(chan ackSignal, 1),

		recvState: RecvIdle,

		stopSyn: make(chan struct{}),
	}

	c.peerNode.Store("")
	c.touch()

	c.stream = newStream(c, conf.params.MaxMsgLength)
	c.sender = newSender(c.stream, conf.queueSize, conf.compress, c.logger, c.transferFailed)

	return c
}

// Identifier of the peer, specific to the Service.
func (c *Connection) Identifier() string {
	return c.identifier
}

// PeerNode is the peer's node ID, if it was learned from a discovery beacon.
func (c *Connection) PeerNode() string {
	return c.peerNode.Load().(string)
}

func (c *Connection) setPeerNode(node string) {
	c.peerNode.Store(node)
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection(%s)", c.identifier)
}

// ConnectionInfo is a snapshot of a Connection's state.
type ConnectionInfo struct {
	Identifier    string        `json:"identifier"`
	PeerNode      string        `json:"peer_node"`
	SendState     string        `json:"send_state"`
	RecvState     string        `json:"recv_state"`
	AvgRtt        time.Duration `json:"avg_rtt"`
	NextSendSeqNo uint          `json:"next_send_seqno"`
}

// Info creates a snapshot of this Connection.
func (c *Connection) Info() ConnectionInfo {
	c.sendMutex.Lock()
	sendState, avgRtt, seqNo := c.sendState, c.avgRtt, c.nextSendSeqNo
	c.sendMutex.Unlock()

	c.recvMutex.Lock()
	recvState := c.recvState
	c.recvMutex.Unlock()

	return ConnectionInfo{
		Identifier:    c.identifier,
		PeerNode:      c.PeerNode(),
		SendState:     sendState.String(),
		RecvState:     recvState.String(),
		AvgRtt:        avgRtt,
		NextSendSeqNo: seqNo,
	}
}

func (c *Connection) touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

func (c *Connection) idleSince() time.Duration {
	return time.Since(time.Unix(0, atomic.LoadInt64(&c.lastActivity)))
}

// start the Connection's goroutines.
func (c *Connection) start() {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.sender.run()
	}()
	go c.receiveTask()

	if c.conf.idleTimeout > 0 {
		c.wg.Add(1)
		go c.idleWatchdog()
	}

	c.logger.WithField("parameters", c.conf.params).Debug("Connection started")
}

// Shutdown this Connection. Pending and queued Jobs fail. This might be called
// multiple times from every goroutine, except from the Connection's own ones.
func (c *Connection) Shutdown() {
	c.stopOnce.Do(func() {
		c.detach()
		c.stream.Abort()
		close(c.stopSyn)
		c.sender.stop()
		c.wg.Wait()

		c.logger.Debug("Connection was shut down")
		c.host.connectionDown(c)
	})
}

// detach this Connection from its host, so that new Jobs and segments for
// the peer end up in a fresh Connection.
func (c *Connection) detach() {
	c.detachOnce.Do(func() {
		c.host.connectionClosing(c)
	})
}

// closing is closed when the Connection shuts down.
func (c *Connection) closing() <-chan struct{} {
	return c.stopSyn
}

// transferFailed is called by the Sender for failed Jobs. A failed transfer
// tears down the whole Connection.
func (c *Connection) transferFailed(err error) {
	if errors.Is(err, ErrTransferFailed) || c.stream.Aborted() {
		// Detach before the failed Job finishes, its retry needs a new Connection.
		c.detach()
		go c.Shutdown()
	}
}

// Queue a Job for this Connection's peer.
func (c *Connection) Queue(job *Job) error {
	return c.sender.queue(job)
}

func (c *Connection) idleWatchdog() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.conf.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSyn:
			return

		case <-ticker.C:
			if c.idleSince() >= c.conf.idleTimeout {
				c.logger.Info("Connection is idle, shutting down")
				c.detach()
				go c.Shutdown()
				return
			}
		}
	}
}

// receiveTask reads and delivers incoming messages until the Stream aborts.
func (c *Connection) receiveTask() {
	defer c.wg.Done()

	for {
		msg := c.conf.newMessage()
		mr := &messageReader{s: c.stream}
		err := c.readMessage(msg, mr)

		switch {
		case err == nil:
			c.logger.Debug("Received message")
			c.host.deliver(c, msg)

		case errors.Is(mr.err, ErrStreamAborted):
			return

		case errors.Is(mr.err, ErrMessageDiscarded):
			c.logger.Debug("Incomplete message was discarded")

		default:
			c.logger.WithError(err).Warn("Received message could not be decoded")

			c.reject(c.stream.messageTag())
			if _, drainErr := io.Copy(io.Discard, mr); errors.Is(drainErr, ErrStreamAborted) {
				return
			}
		}
	}
}

// readMessage deserializes the next message and consumes it until its end.
func (c *Connection) readMessage(msg cboring.CborMarshaler, mr *messageReader) error {
	var r io.Reader = mr
	if c.conf.compress {
		xzR, err := xz.NewReader(mr)
		if err != nil {
			return err
		}
		r = xzR
	}

	if err := cboring.Unmarshal(msg, r); err != nil {
		return err
	}

	_, err := io.Copy(io.Discard, mr)
	return err
}

// reject the incoming message of the given tag, if it is still in progress.
// Its remaining segments are answered with permanent NACKs.
func (c *Connection) reject(tag uint64) {
	c.recvMutex.Lock()
	defer c.recvMutex.Unlock()

	if c.recvTag == tag && c.recvState != RecvIdle {
		c.rejecting = true
	}
}

// queue an incoming segment. This must only be called by the Layer's receiving
// goroutine. A returned error is fatal for this Connection.
func (c *Connection) queue(flags Flags, seqNo uint, data []byte) error {
	c.touch()

	segments, replyType, replyFlags, err := c.acceptSegment(flags, seqNo, data)
	if err != nil {
		c.logger.WithFields(log.Fields{
			"flags": flags,
			"error": err,
		}).Debug("Dropping segment")
		return nil
	}

	for _, seg := range segments {
		if qErr := c.stream.queue(seg); qErr != nil {
			return qErr
		}
	}

	if replyType != 0 && c.conf.params.FlowControl == FlowStopAndWait {
		if txErr := c.host.transmitRaw(replyType, replyFlags, seqNo, c.identifier, nil); txErr != nil {
			c.logger.WithError(txErr).WithField("type", replyType).Warn("Sending reply failed")
		}
	}
	return nil
}

// acceptSegment updates the incoming state for a segment and returns the
// segments to be handed to the Stream as well as the reply to be sent.
func (c *Connection) acceptSegment(flags Flags, seqNo uint, data []byte) (segments []inSegment, replyType HeaderType, replyFlags Flags, err error) {
	c.recvMutex.Lock()
	defer c.recvMutex.Unlock()

	switch {
	case flags.First():
		// A first segment starts a new message in every state.
		c.recvTag++
		c.rejecting = false
		c.head = nil

		if flags.Last() {
			segments = append(segments, inSegment{data: data, first: true, last: true, tag: c.recvTag})
			c.recvState = RecvIdle
			c.recvSeqNo = 0
		} else {
			c.head = data
			c.recvState = RecvHead
			c.recvSeqNo = c.conf.params.nextSeqNo(seqNo)
		}

	case c.lastValid && seqNo == c.lastSeqNo && flags == c.lastFlags:
		// Retransmission of an already accepted segment; its reply got lost.
		return nil, c.lastReplyType, c.lastReplyFlag, nil

	case c.recvState == RecvIdle:
		return nil, 0, 0, fmt.Errorf("segment without a first one in state %v", c.recvState)

	case seqNo != c.recvSeqNo:
		// The message in progress stays intact; the expected segment will be
		// retransmitted by the peer.
		c.recvState = RecvError
		return nil, 0, 0, &SeqNoError{Expected: c.recvSeqNo, Received: seqNo}

	default:
		if c.head != nil {
			segments = append(segments, inSegment{data: c.head, first: true, tag: c.recvTag})
			c.head = nil
		}

		if c.rejecting {
			// The reader drains the message until its end.
			if flags.Last() {
				segments = append(segments, inSegment{last: true, tag: c.recvTag})
			}
		} else {
			segments = append(segments, inSegment{data: data, last: flags.Last(), tag: c.recvTag})
		}

		if flags.Last() {
			c.recvState = RecvIdle
			c.recvSeqNo = 0
		} else {
			c.recvState = RecvTransmission
			c.recvSeqNo = c.conf.params.nextSeqNo(seqNo)
		}
	}

	c.conf.stats.addIn(len(data))

	if c.rejecting {
		replyType, replyFlags = HeaderNack, 0
	} else {
		replyType, replyFlags = HeaderAck, 0
	}
	if flags.Last() {
		c.rejecting = false
	}

	c.lastValid = true
	c.lastSeqNo = seqNo
	c.lastFlags = flags
	c.lastReplyType = replyType
	c.lastReplyFlag = replyFlags

	return
}

// ack an outgoing segment. Only the currently outstanding sequence number
// releases the writer, everything else is ignored.
func (c *Connection) ack(seqNo uint) {
	c.touch()
	c.release(seqNo, false)
}

// nack an outgoing segment. Temporary NACKs are ignored, the segment will be
// retransmitted after the timeout. A permanent NACK refuses the whole message.
func (c *Connection) nack(seqNo uint, temporary bool) {
	c.touch()

	if temporary {
		c.logger.WithField("seqno", seqNo).Debug("Ignoring temporary NACK")
		return
	}
	c.release(seqNo, true)
}

func (c *Connection) release(seqNo uint, refused bool) {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	if c.sendState != SendWaitAck || seqNo != c.nextSendSeqNo {
		c.logger.WithFields(log.Fields{
			"seqno": seqNo,
			"state": c.sendState,
		}).Debug("Ignoring stale acknowledgement")
		return
	}

	c.advance()

	select {
	case c.ackChan <- ackSignal{refused: refused}:
	default:
	}
}

// advance the outgoing sequence number after a segment was sent. The caller
// must hold sendMutex.
func (c *Connection) advance() {
	if c.sendLast {
		c.sendState = SendIdle
		c.nextSendSeqNo = 0
	} else {
		c.sendState = SendNext
		c.nextSendSeqNo = c.conf.params.nextSeqNo(c.nextSendSeqNo)
	}
}

// timeout for the next retransmission, based on the average round-trip time.
func (c *Connection) timeout() time.Duration {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	timeout := 2*c.avgRtt + time.Millisecond
	if timeout < c.conf.params.InitialTimeout {
		timeout = c.conf.params.InitialTimeout
	}
	return timeout
}

func (c *Connection) adjustRtt(sample time.Duration) {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	c.avgRtt = time.Duration(rttWeight*float64(c.avgRtt) + (1-rttWeight)*float64(sample))
}

// transmit one segment of the Stream and block until it was acknowledged.
func (c *Connection) transmit(data []byte, first, last bool) error {
	flags := segmentFlags(first, last)

	c.sendMutex.Lock()
	if first {
		c.nextSendSeqNo = 0
	}
	seqNo := c.nextSendSeqNo
	c.sendLast = last

	select {
	case <-c.ackChan:
	default:
	}

	if c.conf.params.FlowControl == FlowNone {
		c.sendState = SendNext
		c.sendMutex.Unlock()

		if err := c.host.transmitRaw(HeaderSegment, flags, seqNo, c.identifier, data); err != nil {
			return c.transmitFailed(err)
		}

		c.sendMutex.Lock()
		c.advance()
		c.sendMutex.Unlock()

		c.touch()
		c.conf.stats.addOut(len(data))
		return nil
	}

	c.sendState = SendWaitAck
	c.sendMutex.Unlock()

	logger := c.logger.WithFields(log.Fields{
		"seqno": seqNo,
		"flags": flags,
	})

	for attempt := 1; attempt <= c.conf.params.RetryLimit; attempt++ {
		if attempt > 1 {
			c.conf.stats.addRetry()
			logger.WithField("attempt", attempt).Debug("Retransmitting segment")
		}

		start := time.Now()
		if err := c.host.transmitRaw(HeaderSegment, flags, seqNo, c.identifier, data); err != nil {
			return c.transmitFailed(err)
		}
		c.touch()

		timer := time.NewTimer(c.timeout())
		select {
		case sig := <-c.ackChan:
			timer.Stop()
			return c.acknowledged(sig, seqNo, time.Since(start), len(data))

		case <-timer.C:
			c.sendMutex.Lock()
			avgRtt := c.avgRtt
			c.sendMutex.Unlock()
			c.adjustRtt(2 * avgRtt)

		case <-c.stopSyn:
			timer.Stop()
			return ErrConnectionClosed
		}
	}

	// An acknowledgement might have raced the last timeout.
	lastTimeout := c.timeout()
	c.sendMutex.Lock()
	select {
	case sig := <-c.ackChan:
		c.sendMutex.Unlock()
		return c.acknowledged(sig, seqNo, lastTimeout, len(data))
	default:
	}
	c.sendState = SendError
	c.sendMutex.Unlock()

	c.conf.stats.addFailure()
	logger.WithField("retries", c.conf.params.RetryLimit).Warn("Segment was not acknowledged")

	return fmt.Errorf("segment %d to %s after %d transmissions: %w",
		seqNo, c.identifier, c.conf.params.RetryLimit, ErrTransferFailed)
}

func (c *Connection) acknowledged(sig ackSignal, seqNo uint, rtt time.Duration, n int) error {
	c.adjustRtt(rtt)
	c.conf.stats.setRtt(rtt)
	c.conf.stats.addOut(n)

	if sig.refused {
		return fmt.Errorf("segment %d: %w", seqNo, ErrTransferRefused)
	}
	return nil
}

func (c *Connection) transmitFailed(err error) error {
	c.sendMutex.Lock()
	c.sendState = SendError
	c.sendMutex.Unlock()

	c.conf.stats.addFailure()
	return fmt.Errorf("segment to %s: %w", c.identifier, err)
}
