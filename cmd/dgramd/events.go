// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-dgram/pkg/cla"
)

// eventClientBuffer is the amount of events queued per client. A client
// falling further behind is disconnected.
const eventClientBuffer = 64

// event is a JSON encoded notification for WebSocket clients.
type event struct {
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	Layer  string    `json:"layer,omitempty"`
	Peer   string    `json:"peer,omitempty"`
	Bundle string    `json:"bundle,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// eventType names a ConvergenceMessageType within an event.
func eventType(t cla.ConvergenceMessageType) string {
	switch t {
	case cla.ReceivedMessage:
		return "received"
	case cla.PeerAppeared:
		return "peer-appeared"
	case cla.PeerDisappeared:
		return "peer-disappeared"
	case cla.ConvergenceFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// eventHub publishes events to all connected WebSocket clients.
type eventHub struct {
	mutex   sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool

	upgrader websocket.Upgrader
}

func newEventHub() *eventHub {
	return &eventHub{
		clients:  make(map[*eventClient]struct{}),
		upgrader: websocket.Upgrader{},
	}
}

// ServeHTTP must be bound to a HTTP endpoint, e.g., /events.
func (hub *eventHub) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, connErr := hub.upgrader.Upgrade(rw, r, nil)
	if connErr != nil {
		log.WithError(connErr).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}

	client := &eventClient{
		conn:   conn,
		sender: make(chan event, eventClientBuffer),
	}

	hub.mutex.Lock()
	if hub.closed {
		hub.mutex.Unlock()
		_ = conn.Close()
		return
	}
	hub.clients[client] = struct{}{}
	hub.mutex.Unlock()

	go client.handleSender()
	client.handleConn()

	hub.remove(client)
}

func (hub *eventHub) remove(client *eventClient) {
	hub.mutex.Lock()
	if _, ok := hub.clients[client]; ok {
		delete(hub.clients, client)
		close(client.sender)
	}
	hub.mutex.Unlock()
}

// publish an event to all clients without blocking.
func (hub *eventHub) publish(ev event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	for client := range hub.clients {
		select {
		case client.sender <- ev:
		default:
			log.WithField("events client", client.conn.RemoteAddr().String()).Warn("Dropping slow client")
			delete(hub.clients, client)
			close(client.sender)
		}
	}
}

// clientCount is the number of connected clients.
func (hub *eventHub) clientCount() int {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return len(hub.clients)
}

// close disconnects all clients.
func (hub *eventHub) close() {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	hub.closed = true
	for client := range hub.clients {
		delete(hub.clients, client)
		close(client.sender)
	}
}

type eventClient struct {
	conn   *websocket.Conn
	sender chan event
}

// handleSender writes events until the sender channel is closed.
func (client *eventClient) handleSender() {
	defer client.conn.Close()

	logger := log.WithField("events client", client.conn.RemoteAddr().String())

	for ev := range client.sender {
		if err := client.conn.WriteJSON(ev); err != nil {
			logger.WithError(err).Debug("Writing event errored")
			return
		}
	}

	_ = client.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// handleConn discards incoming messages until the connection is closed.
func (client *eventClient) handleConn() {
	for {
		if _, _, err := client.conn.NextReader(); err != nil {
			log.WithField("events client", client.conn.RemoteAddr().String()).WithError(err).Debug("Events client closed")
			return
		}
	}
}
