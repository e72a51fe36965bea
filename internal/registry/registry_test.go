package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/bdpdx/rezilient-auth-control-plane/internal/audit"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/clock"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/logging"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/store"
)

func newTestRegistry() (*Registry, store.Store, *clock.Fake) {
	st := store.NewMemStore()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := audit.New(st, clk, "cp-1")
	log := logging.New(false)
	return New(st, clk, "cp-1", rec, log), st, clk
}

func TestCreateTenantAndDuplicate(t *testing.T) {
	reg, _, _ := newTestRegistry()

	tenant, err := reg.CreateTenant("tenant-acme", "Acme", "", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if tenant.State != store.StateActive || tenant.EntitlementState != store.StateActive {
		t.Fatalf("expected default active/active, got %+v", tenant)
	}

	_, err = reg.CreateTenant("tenant-acme", "Acme Again", "", "", nil)
	if !errors.Is(err, ErrTenantAlreadyExists) {
		t.Fatalf("expected ErrTenantAlreadyExists, got %v", err)
	}
}

func TestCreateInstanceRequiresExistingTenant(t *testing.T) {
	reg, _, _ := newTestRegistry()
	_, err := reg.CreateInstance("instance-dev-01", "tenant-missing", "sn://x", "", nil, nil)
	if !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("expected ErrTenantNotFound, got %v", err)
	}
}

func TestCreateInstanceDefaultsAllowedServices(t *testing.T) {
	reg, _, _ := newTestRegistry()
	_, err := reg.CreateTenant("tenant-acme", "Acme", "", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	inst, err := reg.CreateInstance("instance-dev-01", "tenant-acme", "sn://acme-dev", "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(inst.AllowedServices) != 2 {
		t.Fatalf("expected default to full service set, got %v", inst.AllowedServices)
	}
}

func TestCreateInstanceRejectsDuplicateSource(t *testing.T) {
	reg, _, _ := newTestRegistry()
	_, _ = reg.CreateTenant("tenant-acme", "Acme", "", "", nil)
	_, err := reg.CreateInstance("instance-1", "tenant-acme", "sn://dup", "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = reg.CreateInstance("instance-2", "tenant-acme", "sn://dup", "", nil, nil)
	if !errors.Is(err, ErrSourceMappingAlreadyExists) {
		t.Fatalf("expected ErrSourceMappingAlreadyExists, got %v", err)
	}
}

func TestSetInitialCredentialsRejectsDoubleBinding(t *testing.T) {
	reg, _, _ := newTestRegistry()
	_, _ = reg.CreateTenant("tenant-acme", "Acme", "", "", nil)
	_, _ = reg.CreateInstance("instance-1", "tenant-acme", "sn://a", "", nil, nil)
	_, _ = reg.CreateInstance("instance-2", "tenant-acme", "sn://b", "", nil, nil)

	_, err := reg.SetInitialCredentials("instance-1", "cli_abc", "sv_1", "hash1")
	if err != nil {
		t.Fatal(err)
	}
	_, err = reg.SetInitialCredentials("instance-2", "cli_abc", "sv_1", "hash2")
	if !errors.Is(err, ErrClientIDAlreadyBound) {
		t.Fatalf("expected ErrClientIDAlreadyBound, got %v", err)
	}
}

func TestRotationLifecycleInvariants(t *testing.T) {
	reg, _, clk := newTestRegistry()
	_, _ = reg.CreateTenant("tenant-acme", "Acme", "", "", nil)
	_, _ = reg.CreateInstance("instance-1", "tenant-acme", "sn://a", "", nil, nil)
	_, _ = reg.SetInitialCredentials("instance-1", "cli_abc", "sv_1", "hash1")

	validUntil := clk.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano)
	inst, err := reg.AddNextSecretVersion("instance-1", "sv_2", "hash2", &validUntil)
	if err != nil {
		t.Fatal(err)
	}
	if inst.ClientCredentials.NextSecretVersionID == nil || *inst.ClientCredentials.NextSecretVersionID != "sv_2" {
		t.Fatalf("expected sv_2 to be next, got %+v", inst.ClientCredentials)
	}

	// A second concurrent rotation start must fail: rotation already in progress.
	_, err = reg.AddNextSecretVersion("instance-1", "sv_3", "hash3", nil)
	if !errors.Is(err, ErrRotationAlreadyInProgress) {
		t.Fatalf("expected ErrRotationAlreadyInProgress, got %v", err)
	}

	// Promote before adoption must fail.
	_, err = reg.PromoteNextSecret("instance-1")
	if !errors.Is(err, ErrNextSecretNotAdopted) {
		t.Fatalf("expected ErrNextSecretNotAdopted, got %v", err)
	}

	// Idempotent adoption.
	inst, err = reg.MarkSecretAdopted("instance-1", "sv_2")
	if err != nil {
		t.Fatal(err)
	}
	firstAdoptedAt := *findVersion(inst, "sv_2").AdoptedAt
	inst, err = reg.MarkSecretAdopted("instance-1", "sv_2")
	if err != nil {
		t.Fatal(err)
	}
	if *findVersion(inst, "sv_2").AdoptedAt != firstAdoptedAt {
		t.Fatal("expected repeated adoption calls to not change adopted_at")
	}

	result, err := reg.PromoteNextSecret("instance-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.OldID != "sv_1" || result.NewID != "sv_2" {
		t.Fatalf("expected old=sv_1 new=sv_2, got %+v", result)
	}
	if findVersion(result.Instance, "sv_1").RevokedAt == nil {
		t.Fatal("expected previously-current secret to be revoked after promotion")
	}
	if findVersion(result.Instance, "sv_2").ValidUntil != nil {
		t.Fatal("expected previously-next secret's valid_until to be cleared after promotion")
	}
	if result.Instance.ClientCredentials.CurrentSecretVersionID != "sv_2" {
		t.Fatal("expected current pointer to move to sv_2")
	}
	if result.Instance.ClientCredentials.NextSecretVersionID != nil {
		t.Fatal("expected next pointer to be cleared after promotion")
	}
}

func TestRevokeSecretClearsNextPointerWhenRevokingNext(t *testing.T) {
	reg, _, _ := newTestRegistry()
	_, _ = reg.CreateTenant("tenant-acme", "Acme", "", "", nil)
	_, _ = reg.CreateInstance("instance-1", "tenant-acme", "sn://a", "", nil, nil)
	_, _ = reg.SetInitialCredentials("instance-1", "cli_abc", "sv_1", "hash1")
	_, _ = reg.AddNextSecretVersion("instance-1", "sv_2", "hash2", nil)

	inst, err := reg.RevokeSecretVersion("instance-1", "sv_2", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if inst.ClientCredentials.NextSecretVersionID != nil {
		t.Fatal("expected next pointer cleared when the next version itself is revoked")
	}
	if findVersion(inst, "sv_2").RevokedAt == nil {
		t.Fatal("expected sv_2 marked revoked")
	}
}

func findVersion(inst store.Instance, versionID string) store.SecretVersion {
	for _, v := range inst.ClientCredentials.SecretVersions {
		if v.VersionID == versionID {
			return v
		}
	}
	return store.SecretVersion{}
}
