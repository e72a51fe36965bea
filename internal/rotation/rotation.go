// Package rotation orchestrates the dual-secret overlap protocol:
// STABLE -> ROTATING -> ADOPTED_PENDING_PROMOTION -> STABLE.
package rotation

import (
	"errors"
	"fmt"
	"time"

	"github.com/bdpdx/rezilient-auth-control-plane/internal/audit"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/clock"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/crypto"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/logging"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/metrics"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/registry"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/store"
)

var (
	ErrNotAdopted = errors.New("secret_rotation_not_adopted")
)

const secretPrefix = "sec_"

// StartResult is returned by Start.
type StartResult struct {
	InstanceID           string
	NextSecretVersionID  string
	NextClientSecret     string
	OverlapExpiresAt     string
}

// CompleteResult is returned by Complete.
type CompleteResult struct {
	OldID string
	NewID string
}

// Service orchestrates rotation on top of Registry, which owns the
// actual credential mutations and their audit emission.
type Service struct {
	reg *registry.Registry
	st  store.Store
	clk clock.Clock
	key string
	rec *audit.Recorder
	log *logging.Logger
}

// New constructs a rotation Service.
func New(reg *registry.Registry, st store.Store, clk clock.Clock, key string, rec *audit.Recorder, log *logging.Logger) *Service {
	return &Service{reg: reg, st: st, clk: clk, key: key, rec: rec, log: log}
}

// Start begins a rotation: allocates the next secret version at
// N+1 (N = the max existing numeric suffix), generates a new raw
// secret, and sets it to expire the overlap window after now.
func (s *Service) Start(instanceID string, overlapSeconds int, requestedBy *string) (StartResult, error) {
	rawSecret, err := crypto.RandomToken(32)
	if err != nil {
		return StartResult{}, fmt.Errorf("generate next secret: %w", err)
	}
	clientSecret := secretPrefix + rawSecret
	secretHash := crypto.SHA256Hex(clientSecret)

	overlapExpiresAt := s.clk.Now().Add(time.Duration(overlapSeconds) * time.Second).UTC().Format(time.RFC3339Nano)

	var nextVersionID string
	result, err := s.st.Mutate(s.key, func(snap *store.Snapshot) (any, error) {
		inst, ok := snap.Instances[instanceID]
		if !ok {
			return nil, registry.ErrInstanceNotFound
		}
		if inst.ClientCredentials == nil {
			return nil, registry.ErrCredentialsMissing
		}
		if inst.ClientCredentials.NextSecretVersionID != nil {
			return nil, registry.ErrRotationAlreadyInProgress
		}

		nextVersionID = nextVersionIDFor(inst.ClientCredentials.SecretVersions)
		creds := *inst.ClientCredentials
		creds.SecretVersions = append(append([]store.SecretVersion(nil), creds.SecretVersions...), store.SecretVersion{
			VersionID:  nextVersionID,
			SecretHash: secretHash,
			CreatedAt:  isoNow(s.clk),
			ValidUntil: &overlapExpiresAt,
		})
		id := nextVersionID
		creds.NextSecretVersionID = &id
		inst.ClientCredentials = &creds
		inst.UpdatedAt = isoNow(s.clk)
		snap.Instances[instanceID] = inst

		s.rec.Append(snap, audit.Input{
			EventType:  audit.SecretRotationStarted,
			Actor:      requestedBy,
			TenantID:   &inst.TenantID,
			InstanceID: &instanceID,
			Metadata:   map[string]any{"next_secret_version_id": nextVersionID},
		})

		return StartResult{
			InstanceID:          instanceID,
			NextSecretVersionID: nextVersionID,
			NextClientSecret:    clientSecret,
			OverlapExpiresAt:    overlapExpiresAt,
		}, nil
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("start rotation: %w", err)
	}
	metrics.RotationsTotal.WithLabelValues("start").Inc()
	return result.(StartResult), nil
}

// RecordAdoption idempotently marks versionID adopted in its own
// transaction, emitting secret_rotation_adopted on the transition.
// Exposed for callers outside an already-open mutation.
func (s *Service) RecordAdoption(instanceID, versionID string) error {
	_, err := s.st.Mutate(s.key, func(snap *store.Snapshot) (any, error) {
		return nil, s.AdoptWithinTransaction(snap, instanceID, versionID)
	})
	if err != nil {
		return fmt.Errorf("record adoption: %w", err)
	}
	metrics.RotationsTotal.WithLabelValues("adopt").Inc()
	return nil
}

// AdoptWithinTransaction applies the same idempotent adopted_at update as
// RecordAdoption but directly against an already-open snapshot, so Token's
// mint transaction can invoke adoption atomically with the mint itself
// instead of nesting a second store.Mutate call. It emits
// secret_rotation_adopted only on the call that actually performs the
// transition, not on repeat idempotent calls, mirroring Start/Complete/
// Revoke's one-event-per-mutation rule.
func (s *Service) AdoptWithinTransaction(snap *store.Snapshot, instanceID, versionID string) error {
	inst, ok := snap.Instances[instanceID]
	if !ok {
		return registry.ErrInstanceNotFound
	}
	if inst.ClientCredentials == nil {
		return registry.ErrCredentialsMissing
	}

	creds := *inst.ClientCredentials
	versions := append([]store.SecretVersion(nil), creds.SecretVersions...)
	found := false
	transitioned := false
	for i := range versions {
		if versions[i].VersionID == versionID {
			found = true
			if versions[i].AdoptedAt == nil {
				now := isoNow(s.clk)
				versions[i].AdoptedAt = &now
				transitioned = true
			}
		}
	}
	if !found {
		return registry.ErrSecretVersionNotFound
	}
	creds.SecretVersions = versions
	inst.ClientCredentials = &creds
	snap.Instances[instanceID] = inst

	if transitioned {
		s.rec.Append(snap, audit.Input{
			EventType:  audit.SecretRotationAdopted,
			TenantID:   &inst.TenantID,
			InstanceID: &instanceID,
			Metadata:   map[string]any{"version_id": versionID},
		})
	}
	return nil
}

// Complete finishes a rotation by promoting the adopted next version to
// current. Fails with ErrNotAdopted if the next version has never had a
// successful mint recorded against it.
func (s *Service) Complete(instanceID string, requestedBy *string) (CompleteResult, error) {
	result, err := s.st.Mutate(s.key, func(snap *store.Snapshot) (any, error) {
		inst, ok := snap.Instances[instanceID]
		if !ok {
			return nil, registry.ErrInstanceNotFound
		}
		if inst.ClientCredentials == nil {
			return nil, registry.ErrCredentialsMissing
		}
		creds := inst.ClientCredentials
		if creds.NextSecretVersionID == nil {
			return nil, registry.ErrNoNextSecretVersion
		}
		nextID := *creds.NextSecretVersionID
		oldID := creds.CurrentSecretVersionID

		oldIdx, nextIdx := -1, -1
		for i := range creds.SecretVersions {
			if creds.SecretVersions[i].VersionID == oldID {
				oldIdx = i
			}
			if creds.SecretVersions[i].VersionID == nextID {
				nextIdx = i
			}
		}
		if oldIdx == -1 || nextIdx == -1 {
			return nil, registry.ErrSecretVersionNotFound
		}
		if creds.SecretVersions[nextIdx].AdoptedAt == nil {
			return nil, ErrNotAdopted
		}

		versions := append([]store.SecretVersion(nil), creds.SecretVersions...)
		now := isoNow(s.clk)
		versions[oldIdx].RevokedAt = &now
		versions[nextIdx].ValidUntil = nil

		newCreds := *creds
		newCreds.SecretVersions = versions
		newCreds.CurrentSecretVersionID = nextID
		newCreds.NextSecretVersionID = nil
		inst.ClientCredentials = &newCreds
		inst.UpdatedAt = now
		snap.Instances[instanceID] = inst

		s.rec.Append(snap, audit.Input{
			EventType:  audit.SecretRotationCompleted,
			Actor:      requestedBy,
			TenantID:   &inst.TenantID,
			InstanceID: &instanceID,
			Metadata:   map[string]any{"old_secret_version_id": oldID, "new_secret_version_id": nextID},
		})

		return CompleteResult{OldID: oldID, NewID: nextID}, nil
	})
	if err != nil {
		return CompleteResult{}, fmt.Errorf("complete rotation: %w", err)
	}
	metrics.RotationsTotal.WithLabelValues("complete").Inc()
	return result.(CompleteResult), nil
}

// Revoke marks versionID revoked, clearing the next pointer if it was
// the next version.
func (s *Service) Revoke(instanceID, versionID string, reason, requestedBy *string) error {
	_, err := s.reg.RevokeSecretVersion(instanceID, versionID, reason, requestedBy)
	if err != nil {
		return fmt.Errorf("revoke secret version: %w", err)
	}
	metrics.RotationsTotal.WithLabelValues("revoke").Inc()
	return nil
}

// nextVersionIDFor computes sv_<N+1> where N is the maximum existing
// numeric suffix among versions.
func nextVersionIDFor(versions []store.SecretVersion) string {
	max := 0
	for _, v := range versions {
		var n int
		if _, err := fmt.Sscanf(v.VersionID, "sv_%d", &n); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("sv_%d", max+1)
}

func isoNow(clk clock.Clock) string {
	return clk.Now().UTC().Format(time.RFC3339Nano)
}
