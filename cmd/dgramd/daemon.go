// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/dtn7/dtn7-go/pkg/bpv7"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-dgram/pkg/cla"
	"github.com/dtn7/dtn7-dgram/pkg/cla/dgram"
	"github.com/dtn7/dtn7-dgram/pkg/discovery"
	"github.com/dtn7/dtn7-dgram/pkg/storage"
)

// expireInterval between two removals of expired bundles.
const expireInterval = time.Minute

// daemon ties the configured Layers, the discovery and the REST interface
// together.
type daemon struct {
	nodeId    bpv7.EndpointID
	manager   *cla.Manager
	discovery *discovery.Manager
	layers    map[string]*dgram.Layer
	names     map[string]string
	store     *storage.Store
	events    *eventHub
	metrics   *prometheus.Registry
	rest      *http.Server

	stopSyn chan struct{}
	stopAck chan struct{}
}

// newDaemon creates and starts a daemon based on a TOML configuration.
func newDaemon(conf tomlConfig) (d *daemon, err error) {
	configureLogging(conf.Logging)

	nodeId, err := parseNodeId(conf.Core)
	if err != nil {
		return nil, err
	}

	d = &daemon{
		nodeId:  nodeId,
		layers:  make(map[string]*dgram.Layer),
		names:   make(map[string]string),
		events:  newEventHub(),
		metrics: prometheus.NewRegistry(),
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	var beacons dgram.BeaconHandler
	if conf.Discovery.Enabled {
		d.discovery = discovery.NewManager(nodeId, time.Duration(conf.Discovery.Interval)*time.Second, nil)
		beacons = d.discovery
	}

	var layers []*dgram.Layer
	for i, conv := range conf.Listen {
		name, layer, lErr := parseListen(conv, i, beacons)
		if lErr != nil {
			err = lErr
			break
		} else if _, exists := d.layers[name]; exists {
			err = errors.New("listen name " + name + " is not unique")
			break
		}

		if regErr := d.metrics.Register(layer.Metrics()); regErr != nil {
			err = fmt.Errorf("listen %s: registering metrics: %w", name, regErr)
			break
		}

		d.layers[name] = layer
		d.names[layer.Address()] = name
		layers = append(layers, layer)
	}
	if err == nil && len(layers) == 0 {
		err = errors.New("no listen blocks configured")
	}
	if err == nil && conf.Core.Store != "" {
		d.store, err = storage.NewStore(conf.Core.Store)
	}
	if err != nil {
		if d.discovery != nil {
			d.discovery.Close()
		}
		return nil, err
	}

	d.manager = cla.NewManager()
	for _, layer := range layers {
		d.manager.Register(layer)
		if d.discovery != nil {
			d.discovery.Register(layer)
		}
	}

	if conf.Rest.Listen != "" {
		router := mux.NewRouter()
		_ = newRestApi(d, router.PathPrefix("/rest").Subrouter())
		router.Handle("/metrics", d.metricsHandler())

		d.rest = &http.Server{
			Addr:    conf.Rest.Listen,
			Handler: router,
		}
		go func() {
			if err := d.rest.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("REST server failed")
			}
		}()
	}

	go d.handler()

	log.WithFields(log.Fields{
		"node":      nodeId,
		"layers":    d.layerNames(),
		"discovery": d.discovery != nil,
		"store":     conf.Core.Store,
		"rest":      conf.Rest.Listen,
	}).Info("Started dgramd")

	return d, nil
}

// metricsHandler exports the Layers' metrics for Prometheus.
func (d *daemon) metricsHandler() http.Handler {
	return promhttp.HandlerFor(d.metrics, promhttp.HandlerOpts{})
}

// layerNames in sorted order.
func (d *daemon) layerNames() (names []string) {
	for name := range d.layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return
}

// handler processes the statuses of all Layers.
func (d *daemon) handler() {
	defer close(d.stopAck)

	expireTicker := time.NewTicker(expireInterval)
	defer expireTicker.Stop()

	for {
		select {
		case <-d.stopSyn:
			return

		case <-expireTicker.C:
			if d.store != nil {
				d.store.DeleteExpired()
			}

		case cs, ok := <-d.manager.Channel():
			if !ok {
				return
			}
			d.handleStatus(cs)
		}
	}
}

func (d *daemon) handleStatus(cs cla.ConvergenceStatus) {
	logger := log.WithField("cla", cs.Sender)

	ev := event{Type: eventType(cs.MessageType)}
	if cs.Sender != nil {
		ev.Layer = d.names[cs.Sender.Address()]
	}

	switch cs.MessageType {
	case cla.ReceivedMessage:
		crm := cs.Message.(cla.ConvergenceReceivedMessage)
		logger = logger.WithField("peer", crm.Peer)
		ev.Peer = crm.Peer

		if b, ok := crm.Message.(*bpv7.Bundle); ok {
			ev.Bundle = b.ID().String()
			logger = logger.WithFields(log.Fields{
				"bundle":      b.ID(),
				"destination": b.PrimaryBlock.Destination,
			})
			logger.Info("Received bundle")

			if d.store != nil {
				if isNew, err := d.store.Push(*b, ev.Layer, crm.Peer); err != nil {
					logger.WithError(err).Warn("Storing bundle failed")
				} else if !isNew {
					logger.Debug("Received duplicate bundle")
				}
			}
		} else {
			logger.WithField("message", crm.Message).Info("Received message")
		}

	case cla.PeerAppeared, cla.PeerDisappeared:
		ev.Peer, _ = cs.Message.(string)
		logger.WithField("peer", cs.Message).Infof("%v", cs.MessageType)

	case cla.ConvergenceFailed:
		if err, ok := cs.Message.(error); ok {
			ev.Error = err.Error()
		}
		logger.WithField("error", cs.Message).Warn("Convergence failed")

	default:
		logger.WithField("status", cs).Debug("Unknown status")
		return
	}

	d.events.publish(ev)
}

// send a bundle with the given payload through a Layer and wait for its Job.
func (d *daemon) send(ctx context.Context, layerName, peer, destination string, payload []byte) (*dgram.Job, bpv7.Bundle, error) {
	layer, ok := d.layers[layerName]
	if !ok {
		return nil, bpv7.Bundle{}, errors.New("unknown layer " + layerName)
	}

	b, err := bpv7.Builder().
		CRC(bpv7.CRC32).
		Source(d.nodeId.String()).
		Destination(destination).
		CreationTimestampNow().
		Lifetime("24h").
		PayloadBlock(payload).
		Build()
	if err != nil {
		return nil, b, err
	}

	job := dgram.NewJob(peer, &b)
	if err := layer.Queue(job); err != nil {
		return job, b, err
	}
	return job, b, job.Wait(ctx)
}

// Close the daemon and all its components.
func (d *daemon) Close() (err error) {
	if d.rest != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if restErr := d.rest.Shutdown(ctx); restErr != nil {
			err = multierror.Append(err, restErr)
		}
		cancel()
	}
	d.events.close()

	if d.discovery != nil {
		d.discovery.Close()
	}

	// The Manager's channel must be read until it is closed.
	if claErr := d.manager.Close(); claErr != nil {
		err = multierror.Append(err, claErr)
	}

	close(d.stopSyn)
	<-d.stopAck

	if d.store != nil {
		if storeErr := d.store.Close(); storeErr != nil {
			err = multierror.Append(err, storeErr)
		}
	}
	return
}
