// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// dgramctl inspects and controls a running dgramd through its REST interface.
package main

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	restAddr string
	timeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "dgramctl",
	Short: "Inspects and controls a running dgramd",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&restAddr, "rest", "http://localhost:8080/rest", "dgramd's REST endpoint")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
