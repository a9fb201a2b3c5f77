// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/dtn7/dtn7-dgram/pkg/cla/dgram"
	"github.com/dtn7/dtn7-dgram/pkg/discovery"
)

// fakeDaemon answers like dgramd's REST interface.
func fakeDaemon(t *testing.T) (*httptest.Server, *[]byte) {
	t.Helper()

	var sent []byte
	writeJson := func(w http.ResponseWriter, v interface{}) {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			t.Error(err)
		}
	}

	router := mux.NewRouter()
	router.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJson(w, map[string]dgram.StatsSnapshot{
			"udp0": {BytesIn: 23, BytesOut: 42, LastRtt: 5 * time.Millisecond},
		})
	}).Methods(http.MethodGet)
	router.HandleFunc("/connections", func(w http.ResponseWriter, _ *http.Request) {
		writeJson(w, map[string][]dgram.ConnectionInfo{
			"udp0": {{Identifier: "ip=127.0.0.1;port=5551;", PeerNode: "dtn://two/", SendState: "Idle", RecvState: "Idle"}},
		})
	}).Methods(http.MethodGet)
	router.HandleFunc("/neighbors", func(w http.ResponseWriter, _ *http.Request) {
		writeJson(w, []discovery.Neighbor{{NodeID: "dtn://two/", Peer: "ip=127.0.0.1;port=5551;"}})
	}).Methods(http.MethodGet)
	router.HandleFunc("/send/{layer}", func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["layer"] != "udp0" {
			w.WriteHeader(http.StatusBadGateway)
			writeJson(w, map[string]string{"error": "unknown layer"})
			return
		}
		sent, _ = io.ReadAll(r.Body)
		writeJson(w, map[string]string{"job": "some-job", "bundle": "dtn://one/-1-0"})
	}).Methods(http.MethodPost)

	return httptest.NewServer(router), &sent
}

func runCmd(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	srv, sent := fakeDaemon(t)
	defer srv.Close()

	tests := []struct {
		name     string
		args     []string
		contains []string
	}{
		{"stats", []string{"stats"}, []string{"udp0", "23", "42", "5ms"}},
		{"conns", []string{"conns"}, []string{"ip=127.0.0.1;port=5551;", "dtn://two/"}},
		{"neighbors", []string{"neighbors"}, []string{"dtn://two/"}},
		{"send", []string{"send", "udp0", "--peer", "ip=127.0.0.1;port=5551;", "--destination", "dtn://two/"}, []string{"dtn://one/-1-0", "some-job"}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			out, err := runCmd(t, "hello", append([]string{"--rest", srv.URL}, test.args...)...)
			if err != nil {
				t.Fatal(err)
			}
			for _, s := range test.contains {
				if !strings.Contains(out, s) {
					t.Fatalf("output misses %q:\n%s", s, out)
				}
			}
		})
	}

	if string(*sent) != "hello" {
		t.Fatalf("sent payload %q", *sent)
	}
}

func TestCommandErrors(t *testing.T) {
	srv, _ := fakeDaemon(t)
	defer srv.Close()

	tests := []struct {
		name string
		args []string
	}{
		{"unknown layer", []string{"send", "nope", "--peer", "x", "--destination", "dtn://two/"}},
		{"missing route", []string{"bundles"}},
		{"missing argument", []string{"fetch"}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := runCmd(t, "", append([]string{"--rest", srv.URL}, test.args...)...); err == nil {
				t.Fatal("command did not fail")
			}
		})
	}
}
