package rotation

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdpdx/rezilient-auth-control-plane/internal/audit"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/clock"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/logging"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/registry"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/store"
)

func newTestHarness(t *testing.T) (*Service, *registry.Registry, *clock.Fake) {
	t.Helper()
	st := store.NewMemStore()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	log := logging.New(false)
	rec := audit.New(st, clk, "cp-1")
	reg := registry.New(st, clk, "cp-1", rec, log)
	svc := New(reg, st, clk, "cp-1", rec, log)

	if _, err := reg.CreateTenant("tenant-acme", "Acme", "", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.CreateInstance("instance-1", "tenant-acme", "sn://a", "", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.SetInitialCredentials("instance-1", "cli_abc", "sv_1", "hash1"); err != nil {
		t.Fatal(err)
	}
	return svc, reg, clk
}

func TestStartAllocatesNextVersion(t *testing.T) {
	svc, _, _ := newTestHarness(t)

	result, err := svc.Start("instance-1", 3600, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.NextSecretVersionID != "sv_2" {
		t.Fatalf("expected sv_2, got %s", result.NextSecretVersionID)
	}
	if !strings.HasPrefix(result.NextClientSecret, "sec_") {
		t.Fatalf("expected sec_ prefix, got %s", result.NextClientSecret)
	}
}

func TestCompleteFailsWithoutAdoption(t *testing.T) {
	svc, _, _ := newTestHarness(t)
	_, err := svc.Start("instance-1", 3600, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = svc.Complete("instance-1", nil)
	if !errors.Is(err, ErrNotAdopted) {
		t.Fatalf("expected ErrNotAdopted, got %v", err)
	}
}

func TestFullRotationLifecycle(t *testing.T) {
	svc, _, _ := newTestHarness(t)

	started, err := svc.Start("instance-1", 3600, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.RecordAdoption("instance-1", started.NextSecretVersionID); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	if err := svc.RecordAdoption("instance-1", started.NextSecretVersionID); err != nil {
		t.Fatal(err)
	}

	completed, err := svc.Complete("instance-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if completed.OldID != "sv_1" || completed.NewID != "sv_2" {
		t.Fatalf("expected sv_1 -> sv_2, got %+v", completed)
	}

	// A subsequent rotation allocates sv_3, not sv_2 again.
	next, err := svc.Start("instance-1", 3600, nil)
	if err != nil {
		t.Fatal(err)
	}
	if next.NextSecretVersionID != "sv_3" {
		t.Fatalf("expected sv_3, got %s", next.NextSecretVersionID)
	}
}

func TestRevokeNextClearsPointer(t *testing.T) {
	svc, reg, _ := newTestHarness(t)
	started, err := svc.Start("instance-1", 3600, nil)
	if err != nil {
		t.Fatal(err)
	}

	reason := "compromised"
	if err := svc.Revoke("instance-1", started.NextSecretVersionID, &reason, nil); err != nil {
		t.Fatal(err)
	}

	inst, err := reg.GetInstance("instance-1")
	if err != nil {
		t.Fatal(err)
	}
	if inst.ClientCredentials.NextSecretVersionID != nil {
		t.Fatal("expected next pointer cleared after revoking the next version")
	}
}

// TestConcurrentStartsSerializeExactlyOneWinner fires many concurrent
// Start calls against the same instance and checks that the store's
// Mutate serialization lets exactly one observe the instance as eligible
// for rotation; every other caller must see
// registry.ErrRotationAlreadyInProgress, never a corrupted or
// double-allocated next secret version.
func TestConcurrentStartsSerializeExactlyOneWinner(t *testing.T) {
	svc, _, _ := newTestHarness(t)

	const attempts = 20
	var wg sync.WaitGroup
	wg.Add(attempts)

	results := make(chan error, attempts)
	for range attempts {
		go func() {
			defer wg.Done()
			_, err := svc.Start("instance-1", 3600, nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, registry.ErrRotationAlreadyInProgress):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 successful rotation start, got %d (conflicts=%d)", successes, conflicts)
	}
	if conflicts != attempts-1 {
		t.Fatalf("expected %d conflicts, got %d", attempts-1, conflicts)
	}
}
