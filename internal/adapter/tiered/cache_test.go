package tiered_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fabrica-dev/fabrica/internal/adapter/tiered"
)

// fakeTier records writes and their TTLs and can fail on demand.
type fakeTier struct {
	entries map[string][]byte
	lastTTL map[string]time.Duration
	fail    error
}

func newFakeTier() *fakeTier {
	return &fakeTier{
		entries: make(map[string][]byte),
		lastTTL: make(map[string]time.Duration),
	}
}

func (f *fakeTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	if f.fail != nil {
		return nil, false, f.fail
	}
	v, ok := f.entries[key]
	return v, ok, nil
}

func (f *fakeTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if f.fail != nil {
		return f.fail
	}
	f.entries[key] = value
	f.lastTTL[key] = ttl
	return nil
}

func (f *fakeTier) Delete(_ context.Context, key string) error {
	if f.fail != nil {
		return f.fail
	}
	delete(f.entries, key)
	return nil
}

func TestGetPrefersLocalTier(t *testing.T) {
	local, shared := newFakeTier(), newFakeTier()
	local.entries["snap"] = []byte("local-copy")
	shared.entries["snap"] = []byte("shared-copy")
	c := tiered.New(local, shared, time.Minute)

	got, ok, err := c.Get(context.Background(), "snap")
	if err != nil || !ok {
		t.Fatalf("Get = ok=%t err=%v, want hit", ok, err)
	}
	if string(got) != "local-copy" {
		t.Fatalf("Get = %q, want local copy", got)
	}
}

func TestGetBackfillsLocalFromShared(t *testing.T) {
	local, shared := newFakeTier(), newFakeTier()
	shared.entries["snap"] = []byte("shared-copy")
	c := tiered.New(local, shared, time.Minute)

	got, ok, err := c.Get(context.Background(), "snap")
	if err != nil || !ok {
		t.Fatalf("Get = ok=%t err=%v, want shared hit", ok, err)
	}
	if string(got) != "shared-copy" {
		t.Fatalf("Get = %q, want shared copy", got)
	}
	if string(local.entries["snap"]) != "shared-copy" {
		t.Fatal("expected local backfill after shared hit")
	}
	if local.lastTTL["snap"] != time.Minute {
		t.Fatalf("backfill TTL = %v, want local bound", local.lastTTL["snap"])
	}
}

func TestGetMissesBothTiers(t *testing.T) {
	c := tiered.New(newFakeTier(), newFakeTier(), time.Minute)

	_, ok, err := c.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected miss")
	}
}

func TestSetWritesSharedFirst(t *testing.T) {
	local, shared := newFakeTier(), newFakeTier()
	shared.fail = errors.New("kv unavailable")
	c := tiered.New(local, shared, time.Minute)

	if err := c.Set(context.Background(), "snap", []byte("v"), time.Hour); err == nil {
		t.Fatal("expected shared-tier error")
	}
	if _, ok := local.entries["snap"]; ok {
		t.Fatal("local tier must stay untouched when the shared write fails")
	}
}

func TestSetClampsLocalTTL(t *testing.T) {
	local, shared := newFakeTier(), newFakeTier()
	c := tiered.New(local, shared, time.Minute)

	if err := c.Set(context.Background(), "snap", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if shared.lastTTL["snap"] != time.Hour {
		t.Fatalf("shared TTL = %v, want full TTL", shared.lastTTL["snap"])
	}
	if local.lastTTL["snap"] != time.Minute {
		t.Fatalf("local TTL = %v, want clamped to local bound", local.lastTTL["snap"])
	}
}

func TestDeleteRemovesBothTiers(t *testing.T) {
	local, shared := newFakeTier(), newFakeTier()
	local.entries["snap"] = []byte("v")
	shared.entries["snap"] = []byte("v")
	c := tiered.New(local, shared, time.Minute)

	if err := c.Delete(context.Background(), "snap"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := local.entries["snap"]; ok {
		t.Fatal("expected local entry removed")
	}
	if _, ok := shared.entries["snap"]; ok {
		t.Fatal("expected shared entry removed")
	}
}
