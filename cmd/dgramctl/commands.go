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
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dtn7/dtn7-dgram/pkg/cla/dgram"
	"github.com/dtn7/dtn7-dgram/pkg/discovery"
	"github.com/dtn7/dtn7-dgram/pkg/storage"
)

func init() {
	rootCmd.AddCommand(
		statsCmd,
		connsCmd,
		neighborsCmd,
		bundlesCmd,
		fetchCmd,
		rmCmd,
		sendCmd,
		eventsCmd,
	)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

var resetStats bool

func init() {
	statsCmd.Flags().BoolVar(&resetStats, "reset", false, "reset all counters after printing")
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Prints the traffic counters of all layers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var stats map[string]dgram.StatsSnapshot
		if err := newClient().do(http.MethodGet, "/stats", nil, &stats); err != nil {
			return err
		}
		printStats(cmd.OutOrStdout(), stats)

		if resetStats {
			return newClient().do(http.MethodDelete, "/stats", nil, nil)
		}
		return nil
	},
}

func printStats(out io.Writer, stats map[string]dgram.StatsSnapshot) {
	w := newTabWriter(out)
	_, _ = fmt.Fprintln(w, "LAYER\tIN\tOUT\tRTT\tRETRIES\tFAILURES")
	for _, name := range sortedKeys(stats) {
		s := stats[name]
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%v\t%d\t%d\n", name, s.BytesIn, s.BytesOut, s.LastRtt, s.Retries, s.Failures)
	}
	_ = w.Flush()
}

var connsCmd = &cobra.Command{
	Use:   "conns",
	Short: "Lists the connections of all layers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var conns map[string][]dgram.ConnectionInfo
		if err := newClient().do(http.MethodGet, "/connections", nil, &conns); err != nil {
			return err
		}
		printConnections(cmd.OutOrStdout(), conns)
		return nil
	},
}

func printConnections(out io.Writer, conns map[string][]dgram.ConnectionInfo) {
	w := newTabWriter(out)
	_, _ = fmt.Fprintln(w, "LAYER\tPEER\tNODE\tSEND\tRECV\tRTT")
	for _, name := range sortedKeys(conns) {
		for _, c := range conns[name] {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n", name, c.Identifier, c.PeerNode, c.SendState, c.RecvState, c.AvgRtt)
		}
	}
	_ = w.Flush()
}

var neighborsCmd = &cobra.Command{
	Use:   "neighbors",
	Short: "Lists the neighbors known by discovery",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var neighbors []discovery.Neighbor
		if err := newClient().do(http.MethodGet, "/neighbors", nil, &neighbors); err != nil {
			return err
		}
		printNeighbors(cmd.OutOrStdout(), neighbors)
		return nil
	},
}

func printNeighbors(out io.Writer, neighbors []discovery.Neighbor) {
	w := newTabWriter(out)
	_, _ = fmt.Fprintln(w, "NODE\tPEER\tSERVICES\tLAST SEEN")
	for _, n := range neighbors {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", n.NodeID, n.Peer, n.Services, n.LastSeen.Format(time.RFC3339))
	}
	_ = w.Flush()
}

var unfetchedOnly bool

func init() {
	bundlesCmd.Flags().BoolVar(&unfetchedOnly, "unfetched", false, "only list bundles which were not fetched yet")
}

var bundlesCmd = &cobra.Command{
	Use:   "bundles",
	Short: "Lists the stored bundles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := "/bundles"
		if unfetchedOnly {
			path += "?unfetched=1"
		}

		var items []storage.BundleItem
		if err := newClient().do(http.MethodGet, path, nil, &items); err != nil {
			return err
		}
		printBundles(cmd.OutOrStdout(), items)
		return nil
	},
}

func printBundles(out io.Writer, items []storage.BundleItem) {
	w := newTabWriter(out)
	_, _ = fmt.Fprintln(w, "ID\tBUNDLE\tLAYER\tRECEPTIONS\tFETCHED\tEXPIRES")
	for _, bi := range items {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%s\n",
			bi.Id, bi.BundleId, bi.Layer, bi.Receptions, bi.Fetched, bi.Expires.Format(time.RFC3339))
	}
	_ = w.Flush()
}

var fetchOutput string

func init() {
	fetchCmd.Flags().StringVarP(&fetchOutput, "output", "o", "-", "file to write the CBOR encoded bundle to")
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <id>",
	Short: "Fetches a stored bundle by its ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		out := cmd.OutOrStdout()
		if fetchOutput != "-" {
			f, fErr := os.Create(fetchOutput)
			if fErr != nil {
				return fErr
			}
			defer func() {
				if closeErr := f.Close(); err == nil {
					err = closeErr
				}
			}()
			out = f
		}

		return newClient().raw("/bundles/"+url.PathEscape(args[0]), out)
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Deletes a stored bundle by its ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return newClient().do(http.MethodDelete, "/bundles/"+url.PathEscape(args[0]), nil, nil)
	},
}

var (
	sendPeer        string
	sendDestination string
)

func init() {
	sendCmd.Flags().StringVar(&sendPeer, "peer", "", "peer identifier, e.g., ip=192.168.1.2;port=5551;")
	sendCmd.Flags().StringVar(&sendDestination, "destination", "", "bundle destination, e.g., dtn://foo/inbox")
	_ = sendCmd.MarkFlagRequired("peer")
	_ = sendCmd.MarkFlagRequired("destination")
}

var sendCmd = &cobra.Command{
	Use:   "send <layer> [file]",
	Short: "Sends a bundle with the file's content, or stdin, through a layer",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 2 && args[1] != "-" {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		query := url.Values{}
		query.Set("peer", sendPeer)
		query.Set("destination", sendDestination)

		var resp struct {
			Job    string `json:"job"`
			Bundle string `json:"bundle"`
		}
		path := fmt.Sprintf("/send/%s?%s", url.PathEscape(args[0]), query.Encode())
		if err := newClient().do(http.MethodPost, path, in, &resp); err != nil {
			return err
		}

		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Sent %s as job %s\n", resp.Bundle, resp.Job)
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Prints the daemon's events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		conn, err := newClient().events()
		if err != nil {
			return err
		}
		defer conn.Close()

		enc := json.NewEncoder(cmd.OutOrStdout())
		for {
			var ev map[string]interface{}
			if err := conn.ReadJSON(&ev); err != nil {
				return err
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
	},
}
