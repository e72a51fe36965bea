package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "authctl.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStoreReadEmpty(t *testing.T) {
	s := openTestBoltStore(t)
	snap, err := s.Read("cp-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != 0 {
		t.Fatalf("expected empty bootstrap snapshot, got version %d", snap.Version)
	}
}

func TestBoltStoreMutateCommitsAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authctl.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Mutate("cp-1", func(snap *Snapshot) (any, error) {
		snap.Tenants["tenant-acme"] = Tenant{TenantID: "tenant-acme", Name: "Acme"}
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Reopen to verify durability across a close/reopen cycle.
	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	snap, err := reopened.Read("cp-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != 1 {
		t.Fatalf("expected version 1 to survive reopen, got %d", snap.Version)
	}
	if _, ok := snap.Tenants["tenant-acme"]; !ok {
		t.Fatal("expected persisted tenant to survive reopen")
	}
}

var errBoltBoom = errors.New("boom")

func TestBoltStoreMutateRollsBackOnError(t *testing.T) {
	s := openTestBoltStore(t)

	_, err := s.Mutate("cp-1", func(snap *Snapshot) (any, error) {
		snap.Tenants["tenant-acme"] = Tenant{TenantID: "tenant-acme"}
		return nil, errBoltBoom
	})
	if !errors.Is(err, errBoltBoom) {
		t.Fatalf("expected errBoltBoom, got %v", err)
	}

	snap, err := s.Read("cp-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != 0 {
		t.Fatal("expected rollback to leave version at 0")
	}
}

func TestBoltStoreSettings(t *testing.T) {
	s := openTestBoltStore(t)

	if v, err := s.LoadSetting("maintenance_schedule"); err != nil || v != "" {
		t.Fatalf("expected unset setting to read empty, got %q err=%v", v, err)
	}

	if err := s.SaveSetting("maintenance_schedule", "*/5 * * * *"); err != nil {
		t.Fatal(err)
	}
	v, err := s.LoadSetting("maintenance_schedule")
	if err != nil {
		t.Fatal(err)
	}
	if v != "*/5 * * * *" {
		t.Fatalf("expected saved setting to round-trip, got %q", v)
	}
}
