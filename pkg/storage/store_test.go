// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"reflect"
	"testing"
	"time"

	"github.com/dtn7/dtn7-go/pkg/bpv7"
)

func newTestBundle(t *testing.T, source, payload string) bpv7.Bundle {
	t.Helper()

	b, err := bpv7.Builder().
		Source(source).
		Destination("dtn://dest/").
		CreationTimestampNow().
		Lifetime("10m").
		PayloadBlock([]byte(payload)).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestStore(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	b := newTestBundle(t, "dtn://src/", "hello world")

	if isNew, err := store.Push(b, "udp0", "ip=127.0.0.1;port=5551;"); err != nil {
		t.Fatal(err)
	} else if !isNew {
		t.Fatal("first push was not new")
	}

	if isNew, err := store.Push(b, "lowpan1", "addr=0x0002;pan=0x0023;"); err != nil {
		t.Fatal(err)
	} else if isNew {
		t.Fatal("duplicate push was new")
	}

	bi, err := store.QueryId(b.ID())
	if err != nil {
		t.Fatal(err)
	}
	if bi.Receptions != 2 || bi.Layer != "udp0" || bi.Destination != "dtn://dest/" {
		t.Fatalf("unexpected BundleItem %v", bi)
	}
	if !store.KnowsBundle(b.ID()) {
		t.Fatal("Bundle is unknown")
	}

	if bis, err := store.QueryUnfetched(); err != nil {
		t.Fatal(err)
	} else if l := len(bis); l != 1 {
		t.Fatalf("Found %d unfetched BundleItems, instead of 1", l)
	}

	if b2, err := store.Fetch(bi.Id); err != nil {
		t.Fatal(err)
	} else if !reflect.DeepEqual(b, b2) {
		t.Fatalf("Bundle changed after loading")
	}

	if bis, err := store.QueryUnfetched(); err != nil {
		t.Fatal(err)
	} else if l := len(bis); l != 0 {
		t.Fatalf("Found %d unfetched BundleItems, instead of 0", l)
	}

	if bis, err := store.QueryAll(); err != nil {
		t.Fatal(err)
	} else if l := len(bis); l != 1 {
		t.Fatalf("Found %d BundleItems, instead of 1", l)
	}

	if bi, err := store.QueryId(b.ID()); err != nil {
		t.Fatal(err)
	} else {
		bi.Expires = time.Now().Add(-1 * time.Second)
		if err := store.Update(bi); err != nil {
			t.Fatal(err)
		}
	}

	store.DeleteExpired()

	if bi, err := store.QueryId(b.ID()); err == nil {
		t.Fatalf("Deleted expired BundleItem was found: %v", bi)
	}
	if store.KnowsBundle(b.ID()) {
		t.Fatal("Deleted Bundle is still known")
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestStoreReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	bs := []bpv7.Bundle{
		newTestBundle(t, "dtn://one/", "one"),
		newTestBundle(t, "dtn://two/", "two"),
		newTestBundle(t, "dtn://three/", "three"),
	}
	for _, b := range bs {
		if _, err := store.Push(b, "udp0", "peer"); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	bis, err := store.QueryAll()
	if err != nil {
		t.Fatal(err)
	} else if len(bis) != len(bs) {
		t.Fatalf("Found %d BundleItems, instead of %d", len(bis), len(bs))
	}

	for _, b := range bs {
		if !store.KnowsBundle(b.ID()) {
			t.Fatalf("Bundle %v is unknown after reopening", b.ID())
		}
	}

	if _, err := store.Fetch("unknown"); err == nil {
		t.Fatal("fetched an unknown Bundle")
	}
	if err := store.Delete("unknown"); err == nil {
		t.Fatal("deleted an unknown Bundle")
	}
}
