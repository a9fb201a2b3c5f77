// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dtn7/dtn7-go/pkg/bpv7"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-dgram/pkg/cla/dgram"
	"github.com/dtn7/dtn7-dgram/pkg/cla/dgram/lowpan"
	"github.com/dtn7/dtn7-dgram/pkg/cla/dgram/udp"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core      coreConf
	Logging   logConf
	Discovery discoveryConf
	Rest      restConf
	Listen    []listenConf
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	NodeId string `toml:"node-id"`
	// Store directory for received bundles. Empty disables storing.
	Store string
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	Enabled bool
	// Interval in seconds.
	Interval uint
}

// restConf describes the REST interface. An empty Listen disables it.
type restConf struct {
	Listen string
}

// listenConf describes one datagram Layer, used for "listen".
type listenConf struct {
	Name     string
	Protocol string

	// UDP
	Address   string
	Interface string
	Broadcast string

	// LoWPAN
	PAN          uint16 `toml:"pan"`
	ShortAddress uint16 `toml:"short-address"`
	Device       string
	Frequency    float64
	Mode         int

	MTU            int    `toml:"mtu"`
	FlowControl    string `toml:"flow-control"`
	RetryLimit     int    `toml:"retry-limit"`
	InitialTimeout string `toml:"initial-timeout"`
	IdleTimeout    string `toml:"idle-timeout"`
	Compress       bool
	QueueSize      int `toml:"queue-size"`
}

// parseDuration allows empty strings as zero durations.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// configureLogging sets up the standard logger.
func configureLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// parseListen inspects a "listen" block and creates a named, unstarted Layer.
func parseListen(conv listenConf, index int, beacons dgram.BeaconHandler) (name string, layer *dgram.Layer, err error) {
	name = conv.Name
	if name == "" {
		name = fmt.Sprintf("%s%d", conv.Protocol, index)
	}

	initialTimeout, err := parseDuration(conv.InitialTimeout)
	if err != nil {
		return "", nil, fmt.Errorf("listen %s: initial-timeout: %w", name, err)
	}
	idleTimeout, err := parseDuration(conv.IdleTimeout)
	if err != nil {
		return "", nil, fmt.Errorf("listen %s: idle-timeout: %w", name, err)
	}

	kind, err := dgram.ParseServiceKind(conv.Protocol)
	if err != nil {
		return "", nil, fmt.Errorf("listen %s: %w", name, err)
	}

	var service dgram.Service

	switch kind {
	case dgram.KindUDP:
		if conv.FlowControl != "" {
			return "", nil, fmt.Errorf("listen %s: udp does not support flow-control %q", name, conv.FlowControl)
		}

		service, err = udp.NewService(udp.Config{
			Address:        conv.Address,
			Interface:      conv.Interface,
			Broadcast:      conv.Broadcast,
			MTU:            conv.MTU,
			InitialTimeout: initialTimeout,
			RetryLimit:     conv.RetryLimit,
		})

	case dgram.KindLowpan:
		var fc dgram.FlowControl
		if conv.FlowControl != "" {
			if fc, err = dgram.ParseFlowControl(conv.FlowControl); err != nil {
				return "", nil, fmt.Errorf("listen %s: %w", name, err)
			}
		}

		device, frequency, mode := conv.Device, conv.Frequency, conv.Mode
		service, err = lowpan.NewService(lowpan.Config{
			PAN:            conv.PAN,
			Address:        conv.ShortAddress,
			MTU:            conv.MTU,
			FlowControl:    fc,
			InitialTimeout: initialTimeout,
			RetryLimit:     conv.RetryLimit,
		}, func() (lowpan.Radio, error) {
			return lowpan.NewRf95Radio(device, frequency, mode)
		})

	default:
		return "", nil, fmt.Errorf("listen %s: no service for %v", name, kind)
	}

	if err != nil {
		return "", nil, fmt.Errorf("listen %s: %w", name, err)
	}

	layer = dgram.NewLayer(service, dgram.Options{
		Compress:      conv.Compress,
		QueueSize:     conv.QueueSize,
		IdleTimeout:   idleTimeout,
		BeaconHandler: beacons,
		Permanent:     true,
		Logger:        log.WithField("layer", name),
	})
	return
}

// parseConfig reads the TOML configuration file.
func parseConfig(filename string) (conf tomlConfig, err error) {
	_, err = toml.DecodeFile(filename, &conf)
	return
}

// parseNodeId validates the core block.
func parseNodeId(conf coreConf) (bpv7.EndpointID, error) {
	if conf.NodeId == "" {
		return bpv7.EndpointID{}, fmt.Errorf("core.node-id is empty")
	}
	return bpv7.NewEndpointID(conf.NodeId)
}
