package audit

import (
	"testing"
	"time"

	"github.com/bdpdx/rezilient-auth-control-plane/internal/clock"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/store"
)

func newTestRecorder() (*Recorder, store.Store, *clock.Fake) {
	st := store.NewMemStore()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(st, clk, "cp-1"), st, clk
}

func TestRecordFillsEventIDAndOccurredAt(t *testing.T) {
	r, _, _ := newTestRecorder()

	event, err := r.Record(Input{EventType: TenantCreated, TenantID: Ptr("tenant-acme")})
	if err != nil {
		t.Fatal(err)
	}
	if event.EventID == "" {
		t.Fatal("expected event_id to be filled")
	}
	if event.OccurredAt == "" {
		t.Fatal("expected occurred_at to be filled")
	}
}

func TestListOrdersAscendingByOccurredAt(t *testing.T) {
	r, _, clk := newTestRecorder()

	_, _ = r.Record(Input{EventType: TenantCreated, TenantID: Ptr("t1")})
	clk.Advance(time.Second)
	_, _ = r.Record(Input{EventType: TenantStateChanged, TenantID: Ptr("t1")})

	events, err := r.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventType != TenantCreated || events[1].EventType != TenantStateChanged {
		t.Fatalf("expected ascending order by occurred_at, got %+v", events)
	}
}

func TestListRespectsLimit(t *testing.T) {
	r, _, clk := newTestRecorder()
	for i := 0; i < 5; i++ {
		_, _ = r.Record(Input{EventType: TenantCreated, TenantID: Ptr("t1")})
		clk.Advance(time.Second)
	}

	events, err := r.List(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events with limit, got %d", len(events))
	}
}

func TestAppendIsAtomicWithCallerMutation(t *testing.T) {
	st := store.NewMemStore()
	clk := clock.NewFake(time.Now())
	r := New(st, clk, "cp-1")

	_, err := st.Mutate("cp-1", func(snap *store.Snapshot) (any, error) {
		snap.Tenants["tenant-acme"] = store.Tenant{TenantID: "tenant-acme"}
		r.Append(snap, Input{EventType: TenantCreated, TenantID: Ptr("tenant-acme")})
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	events, err := r.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected the audit event to commit with the mutation, got %d events", len(events))
	}
}

func TestAppendPublishesToBus(t *testing.T) {
	r, st, clk := newTestRecorder()
	ch, cancel := r.Bus().Subscribe()
	defer cancel()

	_, err := st.Mutate("cp-1", func(snap *store.Snapshot) (any, error) {
		r.Append(snap, Input{EventType: TenantCreated, TenantID: Ptr("tenant-acme")})
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = clk

	select {
	case event := <-ch:
		if event.EventType != TenantCreated {
			t.Fatalf("expected tenant_created on the bus, got %s", event.EventType)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the published event to arrive on the subscriber channel")
	}
}

func TestSanitizeRedactsSecretLikeKeys(t *testing.T) {
	red := NewRedactor(DefaultRedactedSubstrings())
	meta := map[string]any{
		"reason":                  "compromised",
		"client_secret":           "sec_abc123",
		"enrollment_code":         "plaintext-code",
		"next_secret_version_id":  "sv_2",
		"nested": map[string]any{
			"token": "tok_xyz",
			"note":  "fine",
		},
	}

	out := red.Sanitize(meta)

	if out["reason"] != "compromised" {
		t.Fatalf("expected non-sensitive key to survive, got %v", out["reason"])
	}
	if out["client_secret"] != redactedPlaceholder {
		t.Fatalf("expected client_secret to be redacted, got %v", out["client_secret"])
	}
	if out["enrollment_code"] != redactedPlaceholder {
		t.Fatalf("expected enrollment_code to be redacted, got %v", out["enrollment_code"])
	}
	if out["next_secret_version_id"] != "sv_2" {
		t.Fatalf("expected whitelisted *secret_version_id key to survive, got %v", out["next_secret_version_id"])
	}
	nested := out["nested"].(map[string]any)
	if nested["token"] != redactedPlaceholder {
		t.Fatalf("expected nested token key to be redacted, got %v", nested["token"])
	}
	if nested["note"] != "fine" {
		t.Fatalf("expected nested non-sensitive key to survive, got %v", nested["note"])
	}
}
