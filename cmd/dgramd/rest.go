// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-dgram/pkg/cla/dgram"
	"github.com/dtn7/dtn7-dgram/pkg/discovery"
	"github.com/dtn7/dtn7-dgram/pkg/storage"
)

// sendTimeout limits a POST /send request.
const sendTimeout = 2 * time.Minute

// maxPayload of a POST /send request.
const maxPayload = 1 << 20

// restSendResponse is the answer to a POST /send request.
type restSendResponse struct {
	Job    string `json:"job,omitempty"`
	Bundle string `json:"bundle,omitempty"`
	Error  string `json:"error,omitempty"`
}

// restApi exposes the daemon's state and a bundle sending interface.
type restApi struct {
	d      *daemon
	router *mux.Router
}

// newRestApi registers its handlers at the router.
func newRestApi(d *daemon, router *mux.Router) (ra *restApi) {
	ra = &restApi{
		d:      d,
		router: router,
	}

	ra.router.HandleFunc("/stats", ra.handleStats).Methods(http.MethodGet)
	ra.router.HandleFunc("/stats", ra.handleResetStats).Methods(http.MethodDelete)
	ra.router.HandleFunc("/connections", ra.handleConnections).Methods(http.MethodGet)
	ra.router.HandleFunc("/neighbors", ra.handleNeighbors).Methods(http.MethodGet)
	ra.router.HandleFunc("/send/{layer}", ra.handleSend).Methods(http.MethodPost)
	ra.router.HandleFunc("/bundles", ra.handleBundles).Methods(http.MethodGet)
	ra.router.HandleFunc("/bundles/{id}", ra.handleFetch).Methods(http.MethodGet)
	ra.router.HandleFunc("/bundles/{id}", ra.handleDelete).Methods(http.MethodDelete)
	ra.router.Handle("/events", d.events)

	return ra
}

// ServeHTTP is a http.Handler to be bound to a HTTP endpoint, e.g., /rest.
func (ra *restApi) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ra.router.ServeHTTP(w, r)
}

func (ra *restApi) writeJson(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write REST response")
	}
}

// handleStats processes /stats GET requests.
func (ra *restApi) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := make(map[string]dgram.StatsSnapshot)
	for name, layer := range ra.d.layers {
		stats[name] = layer.Stats()
	}
	ra.writeJson(w, http.StatusOK, stats)
}

// handleResetStats processes /stats DELETE requests.
func (ra *restApi) handleResetStats(w http.ResponseWriter, _ *http.Request) {
	for _, layer := range ra.d.layers {
		layer.ResetStats()
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConnections processes /connections GET requests.
func (ra *restApi) handleConnections(w http.ResponseWriter, _ *http.Request) {
	conns := make(map[string][]dgram.ConnectionInfo)
	for name, layer := range ra.d.layers {
		conns[name] = layer.Connections()
	}
	ra.writeJson(w, http.StatusOK, conns)
}

// handleNeighbors processes /neighbors GET requests.
func (ra *restApi) handleNeighbors(w http.ResponseWriter, _ *http.Request) {
	neighbors := []discovery.Neighbor{}
	if ra.d.discovery != nil {
		neighbors = ra.d.discovery.Neighbors()
	}
	ra.writeJson(w, http.StatusOK, neighbors)
}

// handleSend processes /send/{layer}?peer=..&destination=.. POST requests.
// The request's body is the bundle's payload.
func (ra *restApi) handleSend(w http.ResponseWriter, r *http.Request) {
	var (
		layer       = mux.Vars(r)["layer"]
		peer        = r.URL.Query().Get("peer")
		destination = r.URL.Query().Get("destination")
		resp        restSendResponse
	)

	if peer == "" || destination == "" {
		resp.Error = "peer and destination are required"
		ra.writeJson(w, http.StatusBadRequest, resp)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayload))
	if err != nil {
		resp.Error = err.Error()
		ra.writeJson(w, http.StatusBadRequest, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), sendTimeout)
	defer cancel()

	job, b, err := ra.d.send(ctx, layer, peer, destination, payload)
	if job != nil {
		resp.Job = job.ID.String()
		resp.Bundle = b.ID().String()
	}

	log.WithFields(log.Fields{
		"layer":       layer,
		"peer":        peer,
		"destination": destination,
		"response":    resp,
		"error":       err,
	}).Info("Processing REST send request")

	if err != nil {
		resp.Error = err.Error()
		ra.writeJson(w, http.StatusBadGateway, resp)
		return
	}
	ra.writeJson(w, http.StatusOK, resp)
}

// storeAvailable writes an error response if no store is configured.
func (ra *restApi) storeAvailable(w http.ResponseWriter) bool {
	if ra.d.store == nil {
		ra.writeJson(w, http.StatusNotFound, restSendResponse{Error: "no store configured"})
		return false
	}
	return true
}

// handleBundles processes /bundles GET requests. The "unfetched" query
// parameter limits the list to bundles not fetched yet.
func (ra *restApi) handleBundles(w http.ResponseWriter, r *http.Request) {
	if !ra.storeAvailable(w) {
		return
	}

	var (
		bis []storage.BundleItem
		err error
	)
	if r.URL.Query().Get("unfetched") != "" {
		bis, err = ra.d.store.QueryUnfetched()
	} else {
		bis, err = ra.d.store.QueryAll()
	}

	if err != nil {
		ra.writeJson(w, http.StatusInternalServerError, restSendResponse{Error: err.Error()})
		return
	}
	if bis == nil {
		bis = []storage.BundleItem{}
	}
	ra.writeJson(w, http.StatusOK, bis)
}

// handleFetch processes /bundles/{id} GET requests and writes the CBOR
// encoded bundle.
func (ra *restApi) handleFetch(w http.ResponseWriter, r *http.Request) {
	if !ra.storeAvailable(w) {
		return
	}

	b, err := ra.d.store.Fetch(mux.Vars(r)["id"])
	if err != nil {
		ra.writeJson(w, http.StatusNotFound, restSendResponse{Error: err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/cbor")
	if err := b.WriteBundle(w); err != nil {
		log.WithError(err).Warn("Failed to write bundle")
	}
}

// handleDelete processes /bundles/{id} DELETE requests.
func (ra *restApi) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !ra.storeAvailable(w) {
		return
	}

	if err := ra.d.store.Delete(mux.Vars(r)["id"]); err != nil {
		ra.writeJson(w, http.StatusNotFound, restSendResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
