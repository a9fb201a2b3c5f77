// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/dtn7/dtn7-go/pkg/bpv7"
)

// BundleItem is a wrapper for meta data around a received Bundle. The Store
// operates on BundleItems instead of Bundles.
type BundleItem struct {
	// Id is a hash of the Bundle's scrubbed ID, usable within paths.
	Id       string `badgerhold:"key" json:"id"`
	BundleId string `json:"bundle_id"`

	Source      string `json:"source"`
	Destination string `json:"destination"`

	// Layer and Peer of the first reception.
	Layer    string    `json:"layer"`
	Peer     string    `json:"peer"`
	Received time.Time `json:"received"`

	// Receptions counts duplicates, too.
	Receptions int `json:"receptions"`

	Fetched bool      `badgerholdIndex:"Fetched" json:"fetched"`
	Expires time.Time `badgerholdIndex:"Expires" json:"expires"`

	Filename string `json:"-"`
}

// storeBundle serializes the Bundle of a BundleItem to the disk.
func (bi BundleItem) storeBundle(b bpv7.Bundle) error {
	f, err := os.OpenFile(bi.Filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	if err := b.WriteBundle(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// deleteBundle removes the serialized Bundle from the disk.
func (bi BundleItem) deleteBundle() error {
	return os.Remove(bi.Filename)
}

// Load the Bundle struct from the disk.
func (bi BundleItem) Load() (b bpv7.Bundle, err error) {
	f, err := os.Open(bi.Filename)
	if err != nil {
		return
	}
	defer f.Close()

	return bpv7.ParseBundle(f)
}

// calcExpirationDate for a Bundle.
func calcExpirationDate(b bpv7.Bundle) time.Time {
	return b.PrimaryBlock.CreationTimestamp.DtnTime().Time().Add(
		time.Duration(b.PrimaryBlock.Lifetime) * time.Millisecond)
}

// itemId hashes a Bundle's ID.
func itemId(bid bpv7.BundleID) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(bid.Scrub().String())))
}

// newBundleItem creates a new BundleItem for a Bundle.
func newBundleItem(b bpv7.Bundle, layer, peer, storagePath string) BundleItem {
	bid := b.ID()
	id := itemId(bid)

	return BundleItem{
		Id:       id,
		BundleId: bid.Scrub().String(),

		Source:      b.PrimaryBlock.SourceNode.String(),
		Destination: b.PrimaryBlock.Destination.String(),

		Layer:    layer,
		Peer:     peer,
		Received: time.Now(),

		Receptions: 1,

		Expires: calcExpirationDate(b),

		Filename: path.Join(storagePath, id),
	}
}
