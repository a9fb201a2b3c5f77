// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// restError is the error field of dgramd's JSON responses.
type restError struct {
	Error string `json:"error"`
}

// client for dgramd's REST interface.
type client struct {
	base string
	http *http.Client
}

func newClient() *client {
	return &client{
		base: strings.TrimSuffix(restAddr, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// do a request and decode a JSON response into v, if not nil.
func (c *client) do(method, path string, body io.Reader, v interface{}) error {
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var re restError
		if json.NewDecoder(resp.Body).Decode(&re) == nil && re.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, re.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}

	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// raw performs a GET request and copies the response body to w.
func (c *client) raw(path string, w io.Writer) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s", resp.Status)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// events opens the WebSocket event stream.
func (c *client) events() (*websocket.Conn, error) {
	u, err := url.Parse(c.base + "/events")
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	return conn, err
}
