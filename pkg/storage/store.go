// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package storage persists received Bundles in an inbox until they are
// fetched or expire.
package storage

import (
	"os"
	"path"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timshannon/badgerhold"

	"github.com/dtn7/dtn7-go/pkg/bpv7"
)

const (
	dirBadger string = "db"
	dirBundle string = "bndl"
)

// Store implements a storage for received Bundles together with meta data.
type Store struct {
	bh *badgerhold.Store

	// pushMutex serializes the lookup and insertion of Push.
	pushMutex sync.Mutex

	badgerDir string
	bundleDir string
}

// NewStore creates a new Store or opens an existing Store from the given path.
func NewStore(dir string) (s *Store, err error) {
	badgerDir := path.Join(dir, dirBadger)
	bundleDir := path.Join(dir, dirBundle)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<28 - 1

	if dirErr := os.MkdirAll(badgerDir, 0700); dirErr != nil {
		err = dirErr
		return
	}
	if dirErr := os.MkdirAll(bundleDir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		s = &Store{
			bh: bh,

			badgerDir: badgerDir,
			bundleDir: bundleDir,
		}
	}
	return
}

// Close the Store. It must not be used afterwards.
func (s *Store) Close() error {
	return s.bh.Close()
}

// Push a received Bundle to the Store. A known Bundle only increments the
// BundleItem's receptions and isNew is false.
func (s *Store) Push(b bpv7.Bundle, layer, peer string) (isNew bool, err error) {
	s.pushMutex.Lock()
	defer s.pushMutex.Unlock()

	logger := log.WithFields(log.Fields{
		"bundle": b.ID().String(),
		"layer":  layer,
		"peer":   peer,
	})

	if biStore, qErr := s.QueryId(b.ID()); qErr == nil {
		logger.Debug("Bundle ID is known, counting duplicate")

		biStore.Receptions++
		return false, s.bh.Update(biStore.Id, biStore)
	} else if qErr != badgerhold.ErrNotFound {
		return false, qErr
	}

	logger.Info("Bundle ID is unknown, inserting BundleItem")

	bi := newBundleItem(b, layer, peer, s.bundleDir)
	if err = bi.storeBundle(b); err != nil {
		return
	}
	if err = s.bh.Insert(bi.Id, bi); err != nil {
		_ = bi.deleteBundle()
		return
	}
	return true, nil
}

// Update an existing BundleItem.
func (s *Store) Update(bi BundleItem) error {
	log.WithFields(log.Fields{
		"bundle": bi.BundleId,
	}).Debug("Store updates BundleItem")

	return s.bh.Update(bi.Id, bi)
}

// Fetch loads a Bundle by its BundleItem's Id and marks it as fetched.
func (s *Store) Fetch(id string) (b bpv7.Bundle, err error) {
	var bi BundleItem
	if err = s.bh.Get(id, &bi); err != nil {
		return
	}

	if b, err = bi.Load(); err != nil {
		return
	}

	if !bi.Fetched {
		bi.Fetched = true
		err = s.Update(bi)
	}
	return
}

// Delete a BundleItem by its Id.
func (s *Store) Delete(id string) error {
	var bi BundleItem
	if err := s.bh.Get(id, &bi); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"bundle": bi.BundleId,
	}).Info("Store deletes BundleItem")

	if err := bi.deleteBundle(); err != nil {
		log.WithFields(log.Fields{
			"bundle": bi.BundleId,
			"file":   bi.Filename,
			"error":  err,
		}).Warn("Failed to delete Bundle file")
	}

	return s.bh.Delete(bi.Id, BundleItem{})
}

// DeleteExpired removes all expired Bundles.
func (s *Store) DeleteExpired() {
	var bis []BundleItem
	if err := s.bh.Find(&bis, badgerhold.Where("Expires").Lt(time.Now())); err != nil {
		log.WithError(err).Warn("Failed to get expired Bundles")
		return
	}

	for _, bi := range bis {
		logger := log.WithField("bundle", bi.BundleId)
		if err := s.Delete(bi.Id); err != nil {
			logger.WithError(err).Warn("Failed to delete expired Bundle")
		} else {
			logger.Info("Deleted expired Bundle")
		}
	}
}

// QueryId fetches the BundleItem for the requested BundleID.
func (s *Store) QueryId(bid bpv7.BundleID) (bi BundleItem, err error) {
	err = s.bh.Get(itemId(bid), &bi)
	return
}

// QueryUnfetched fetches all BundleItems which were not fetched yet, ordered
// by their reception.
func (s *Store) QueryUnfetched() (bis []BundleItem, err error) {
	err = s.bh.Find(&bis, badgerhold.Where("Fetched").Eq(false))
	sortItems(bis)
	return
}

// QueryAll fetches all BundleItems, ordered by their reception.
func (s *Store) QueryAll() (bis []BundleItem, err error) {
	err = s.bh.Find(&bis, nil)
	sortItems(bis)
	return
}

// KnowsBundle checks if such a Bundle is known.
func (s *Store) KnowsBundle(bid bpv7.BundleID) bool {
	_, err := s.QueryId(bid)
	return err != badgerhold.ErrNotFound
}

func sortItems(bis []BundleItem) {
	sort.Slice(bis, func(i, j int) bool {
		return bis[i].Received.Before(bis[j].Received)
	})
}
