// Package registry implements tenant, instance, and credential lifecycle
// management: CRUD and state transitions that are always transactional
// against the state store and always emit exactly one audit event.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bdpdx/rezilient-auth-control-plane/internal/audit"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/clock"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/logging"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/metrics"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/store"
)

// Precondition failures the HTTP layer maps to reason codes.
var (
	ErrTenantNotFound            = errors.New("tenant_not_found")
	ErrTenantAlreadyExists       = errors.New("tenant_already_exists")
	ErrInstanceNotFound          = errors.New("instance_not_found")
	ErrInstanceAlreadyExists     = errors.New("instance_already_exists")
	ErrSourceMappingAlreadyExists = errors.New("source_mapping_already_exists")
	ErrInvalidState              = errors.New("invalid_state")
	ErrClientIDAlreadyBound      = errors.New("client_id_already_bound")
	ErrCredentialsConflict       = errors.New("credentials_conflict")
	ErrCredentialsMissing        = errors.New("credentials_missing")
	ErrRotationAlreadyInProgress = errors.New("rotation_already_in_progress")
	ErrSecretVersionAlreadyExists = errors.New("secret_version_already_exists")
	ErrNoNextSecretVersion       = errors.New("secret_rotation_not_in_progress")
	ErrNextSecretNotAdopted      = errors.New("secret_rotation_not_adopted")
	ErrSecretVersionNotFound     = errors.New("secret_version_not_found")
)

// Registry is the CRUD and lifecycle surface for tenants, instances, and
// credentials. All mutations run inside store.Mutate and emit exactly
// one audit event, the same lock-mutate-persist-log shape the cluster
// host registry uses.
type Registry struct {
	st  store.Store
	clk clock.Clock
	key string
	rec *audit.Recorder
	log *logging.Logger
}

// New constructs a Registry over the snapshot at key.
func New(st store.Store, clk clock.Clock, key string, rec *audit.Recorder, log *logging.Logger) *Registry {
	return &Registry{st: st, clk: clk, key: key, rec: rec, log: log}
}

// PromoteResult is returned by PromoteNextSecret.
type PromoteResult struct {
	Instance store.Instance
	OldID    string
	NewID    string
}

func (r *Registry) now() string {
	return isoNow(r.clk)
}

func validEntityState(s store.EntityState) bool {
	switch s {
	case store.StateActive, store.StateSuspended, store.StateDisabled:
		return true
	default:
		return false
	}
}

// CreateTenant creates a new tenant. state and entitlementState default
// to active when empty.
func (r *Registry) CreateTenant(id, name string, state, entitlementState store.EntityState, actor *string) (store.Tenant, error) {
	if state == "" {
		state = store.StateActive
	}
	if entitlementState == "" {
		entitlementState = store.StateActive
	}
	if !validEntityState(state) || !validEntityState(entitlementState) {
		return store.Tenant{}, ErrInvalidState
	}

	result, err := r.st.Mutate(r.key, func(snap *store.Snapshot) (any, error) {
		if _, exists := snap.Tenants[id]; exists {
			return nil, ErrTenantAlreadyExists
		}
		now := r.now()
		tenant := store.Tenant{
			TenantID:         id,
			Name:             name,
			State:            state,
			EntitlementState: entitlementState,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		snap.Tenants[id] = tenant
		r.rec.Append(snap, audit.Input{
			EventType: audit.TenantCreated,
			Actor:     actor,
			TenantID:  &id,
		})
		return tenant, nil
	})
	if err != nil {
		return store.Tenant{}, fmt.Errorf("create tenant: %w", err)
	}
	return result.(store.Tenant), nil
}

// SetTenantState transitions a tenant's state (any enum value to any
// other).
func (r *Registry) SetTenantState(id string, newState store.EntityState, actor *string) (store.Tenant, error) {
	if !validEntityState(newState) {
		return store.Tenant{}, ErrInvalidState
	}
	result, err := r.st.Mutate(r.key, func(snap *store.Snapshot) (any, error) {
		tenant, ok := snap.Tenants[id]
		if !ok {
			return nil, ErrTenantNotFound
		}
		tenant.State = newState
		tenant.UpdatedAt = r.now()
		snap.Tenants[id] = tenant
		r.rec.Append(snap, audit.Input{
			EventType: audit.TenantStateChanged,
			Actor:     actor,
			TenantID:  &id,
			Metadata:  map[string]any{"new_state": string(newState)},
		})
		return tenant, nil
	})
	if err != nil {
		return store.Tenant{}, fmt.Errorf("set tenant state: %w", err)
	}
	return result.(store.Tenant), nil
}

// SetTenantEntitlement transitions a tenant's entitlement state.
func (r *Registry) SetTenantEntitlement(id string, newEntitlement store.EntityState, actor *string) (store.Tenant, error) {
	if !validEntityState(newEntitlement) {
		return store.Tenant{}, ErrInvalidState
	}
	result, err := r.st.Mutate(r.key, func(snap *store.Snapshot) (any, error) {
		tenant, ok := snap.Tenants[id]
		if !ok {
			return nil, ErrTenantNotFound
		}
		tenant.EntitlementState = newEntitlement
		tenant.UpdatedAt = r.now()
		snap.Tenants[id] = tenant
		r.rec.Append(snap, audit.Input{
			EventType: audit.TenantEntitlementChanged,
			Actor:     actor,
			TenantID:  &id,
			Metadata:  map[string]any{"new_entitlement_state": string(newEntitlement)},
		})
		return tenant, nil
	})
	if err != nil {
		return store.Tenant{}, fmt.Errorf("set tenant entitlement: %w", err)
	}
	return result.(store.Tenant), nil
}

func normalizeServices(services []string) []string {
	if len(services) == 0 {
		out := make([]string, 0, len(store.AllServiceScopes()))
		for _, s := range store.AllServiceScopes() {
			out = append(out, string(s))
		}
		return out
	}
	seen := make(map[string]struct{}, len(services))
	out := make([]string, 0, len(services))
	for _, s := range services {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// CreateInstance creates a new instance owned by tenantID. allowedServices
// defaults to the full service set when empty.
func (r *Registry) CreateInstance(id, tenantID, source string, state store.EntityState, allowedServices []string, actor *string) (store.Instance, error) {
	if state == "" {
		state = store.StateActive
	}
	if !validEntityState(state) {
		return store.Instance{}, ErrInvalidState
	}
	services := normalizeServices(allowedServices)

	result, err := r.st.Mutate(r.key, func(snap *store.Snapshot) (any, error) {
		if _, ok := snap.Tenants[tenantID]; !ok {
			return nil, ErrTenantNotFound
		}
		if _, ok := snap.Instances[id]; ok {
			return nil, ErrInstanceAlreadyExists
		}
		for _, inst := range snap.Instances {
			if inst.Source == source {
				return nil, ErrSourceMappingAlreadyExists
			}
		}

		now := r.now()
		instance := store.Instance{
			InstanceID:      id,
			TenantID:        tenantID,
			Source:          source,
			State:           state,
			AllowedServices: services,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		snap.Instances[id] = instance
		r.rec.Append(snap, audit.Input{
			EventType:  audit.InstanceCreated,
			Actor:      actor,
			TenantID:   &tenantID,
			InstanceID: &id,
		})
		return instance, nil
	})
	if err != nil {
		return store.Instance{}, fmt.Errorf("create instance: %w", err)
	}
	created := result.(store.Instance)
	if created.State == store.StateActive {
		metrics.InstancesActive.Inc()
	}
	return created, nil
}

// SetInstanceState transitions an instance's state, adjusting the
// active-instance gauge when the transition crosses the active boundary.
func (r *Registry) SetInstanceState(instanceID string, newState store.EntityState, actor *string) (store.Instance, error) {
	if !validEntityState(newState) {
		return store.Instance{}, ErrInvalidState
	}
	var oldState store.EntityState
	result, err := r.st.Mutate(r.key, func(snap *store.Snapshot) (any, error) {
		inst, ok := snap.Instances[instanceID]
		if !ok {
			return nil, ErrInstanceNotFound
		}
		oldState = inst.State
		inst.State = newState
		inst.UpdatedAt = r.now()
		snap.Instances[instanceID] = inst
		r.rec.Append(snap, audit.Input{
			EventType:  audit.InstanceStateChanged,
			Actor:      actor,
			TenantID:   &inst.TenantID,
			InstanceID: &instanceID,
			Metadata:   map[string]any{"new_state": string(newState)},
		})
		return inst, nil
	})
	if err != nil {
		return store.Instance{}, fmt.Errorf("set instance state: %w", err)
	}
	inst := result.(store.Instance)
	switch {
	case oldState != store.StateActive && inst.State == store.StateActive:
		metrics.InstancesActive.Inc()
	case oldState == store.StateActive && inst.State != store.StateActive:
		metrics.InstancesActive.Dec()
	}
	return inst, nil
}

// SetInstanceAllowedServices replaces an instance's allowed-services set,
// deduplicated and sorted.
func (r *Registry) SetInstanceAllowedServices(instanceID string, services []string, actor *string) (store.Instance, error) {
	normalized := normalizeServices(services)
	result, err := r.st.Mutate(r.key, func(snap *store.Snapshot) (any, error) {
		inst, ok := snap.Instances[instanceID]
		if !ok {
			return nil, ErrInstanceNotFound
		}
		inst.AllowedServices = normalized
		inst.UpdatedAt = r.now()
		snap.Instances[instanceID] = inst
		r.rec.Append(snap, audit.Input{
			EventType:  audit.InstanceAllowedServicesChanged,
			Actor:      actor,
			TenantID:   &inst.TenantID,
			InstanceID: &instanceID,
			Metadata:   map[string]any{"allowed_services": normalized},
		})
		return inst, nil
	})
	if err != nil {
		return store.Instance{}, fmt.Errorf("set instance allowed services: %w", err)
	}
	return result.(store.Instance), nil
}

// SetInitialCredentials installs the very first credential set for an
// instance, as produced by enrollment exchange.
func (r *Registry) SetInitialCredentials(instanceID, clientID, versionID, secretHash string) (store.Instance, error) {
	result, err := r.st.Mutate(r.key, func(snap *store.Snapshot) (any, error) {
		inst, ok := snap.Instances[instanceID]
		if !ok {
			return nil, ErrInstanceNotFound
		}
		if existingInstanceID, bound := snap.ClientIDIndex[clientID]; bound && existingInstanceID != instanceID {
			return nil, ErrClientIDAlreadyBound
		}
		if inst.ClientCredentials != nil && inst.ClientCredentials.ClientID != clientID {
			return nil, ErrCredentialsConflict
		}

		now := r.now()
		inst.ClientCredentials = &store.ClientCredentials{
			ClientID:               clientID,
			CurrentSecretVersionID: versionID,
			SecretVersions: []store.SecretVersion{
				{VersionID: versionID, SecretHash: secretHash, CreatedAt: now},
			},
		}
		inst.UpdatedAt = now
		snap.Instances[instanceID] = inst
		snap.ClientIDIndex[clientID] = instanceID
		return inst, nil
	})
	if err != nil {
		return store.Instance{}, fmt.Errorf("set initial credentials: %w", err)
	}
	return result.(store.Instance), nil
}

// AddNextSecretVersion starts a rotation by appending a new secret
// version and marking it as next.
func (r *Registry) AddNextSecretVersion(instanceID, versionID, secretHash string, validUntil *string) (store.Instance, error) {
	result, err := r.st.Mutate(r.key, func(snap *store.Snapshot) (any, error) {
		inst, ok := snap.Instances[instanceID]
		if !ok {
			return nil, ErrInstanceNotFound
		}
		if inst.ClientCredentials == nil {
			return nil, ErrCredentialsMissing
		}
		if inst.ClientCredentials.NextSecretVersionID != nil {
			return nil, ErrRotationAlreadyInProgress
		}
		for _, v := range inst.ClientCredentials.SecretVersions {
			if v.VersionID == versionID {
				return nil, ErrSecretVersionAlreadyExists
			}
		}

		creds := *inst.ClientCredentials
		creds.SecretVersions = append(append([]store.SecretVersion(nil), creds.SecretVersions...), store.SecretVersion{
			VersionID:  versionID,
			SecretHash: secretHash,
			CreatedAt:  r.now(),
			ValidUntil: validUntil,
		})
		id := versionID
		creds.NextSecretVersionID = &id
		inst.ClientCredentials = &creds
		inst.UpdatedAt = r.now()
		snap.Instances[instanceID] = inst
		return inst, nil
	})
	if err != nil {
		return store.Instance{}, fmt.Errorf("add next secret version: %w", err)
	}
	return result.(store.Instance), nil
}

// MarkSecretAdopted idempotently records that versionID has been used in
// a successful mint at least once.
func (r *Registry) MarkSecretAdopted(instanceID, versionID string) (store.Instance, error) {
	result, err := r.st.Mutate(r.key, func(snap *store.Snapshot) (any, error) {
		inst, ok := snap.Instances[instanceID]
		if !ok {
			return nil, ErrInstanceNotFound
		}
		if inst.ClientCredentials == nil {
			return nil, ErrCredentialsMissing
		}

		creds := *inst.ClientCredentials
		versions := append([]store.SecretVersion(nil), creds.SecretVersions...)
		found := false
		for i := range versions {
			if versions[i].VersionID == versionID {
				found = true
				if versions[i].AdoptedAt == nil {
					now := r.now()
					versions[i].AdoptedAt = &now
				}
			}
		}
		if !found {
			return nil, ErrSecretVersionNotFound
		}
		creds.SecretVersions = versions
		inst.ClientCredentials = &creds
		snap.Instances[instanceID] = inst
		return inst, nil
	})
	if err != nil {
		return store.Instance{}, fmt.Errorf("mark secret adopted: %w", err)
	}
	return result.(store.Instance), nil
}

// PromoteNextSecret completes a rotation: the current version is
// revoked, the next version is promoted to current with its
// valid_until cleared.
func (r *Registry) PromoteNextSecret(instanceID string) (PromoteResult, error) {
	result, err := r.st.Mutate(r.key, func(snap *store.Snapshot) (any, error) {
		inst, ok := snap.Instances[instanceID]
		if !ok {
			return nil, ErrInstanceNotFound
		}
		if inst.ClientCredentials == nil {
			return nil, ErrCredentialsMissing
		}
		creds := *inst.ClientCredentials
		if creds.NextSecretVersionID == nil {
			return nil, ErrNoNextSecretVersion
		}
		nextID := *creds.NextSecretVersionID
		oldID := creds.CurrentSecretVersionID

		versions := append([]store.SecretVersion(nil), creds.SecretVersions...)
		var nextAdopted bool
		oldIdx, nextIdx := -1, -1
		for i := range versions {
			if versions[i].VersionID == oldID {
				oldIdx = i
			}
			if versions[i].VersionID == nextID {
				nextIdx = i
				nextAdopted = versions[i].AdoptedAt != nil
			}
		}
		if oldIdx == -1 || nextIdx == -1 {
			return nil, ErrSecretVersionNotFound
		}
		if !nextAdopted {
			return nil, ErrNextSecretNotAdopted
		}

		now := r.now()
		versions[oldIdx].RevokedAt = &now
		versions[nextIdx].ValidUntil = nil

		creds.SecretVersions = versions
		creds.CurrentSecretVersionID = nextID
		creds.NextSecretVersionID = nil
		inst.ClientCredentials = &creds
		inst.UpdatedAt = now
		snap.Instances[instanceID] = inst

		return PromoteResult{Instance: inst, OldID: oldID, NewID: nextID}, nil
	})
	if err != nil {
		return PromoteResult{}, fmt.Errorf("promote next secret: %w", err)
	}
	return result.(PromoteResult), nil
}

// RevokeSecretVersion marks versionID revoked; if it was the next
// version, the next pointer is cleared.
func (r *Registry) RevokeSecretVersion(instanceID, versionID string, reason, actor *string) (store.Instance, error) {
	result, err := r.st.Mutate(r.key, func(snap *store.Snapshot) (any, error) {
		inst, ok := snap.Instances[instanceID]
		if !ok {
			return nil, ErrInstanceNotFound
		}
		if inst.ClientCredentials == nil {
			return nil, ErrCredentialsMissing
		}
		creds := *inst.ClientCredentials
		versions := append([]store.SecretVersion(nil), creds.SecretVersions...)
		found := false
		for i := range versions {
			if versions[i].VersionID == versionID {
				found = true
				if versions[i].RevokedAt == nil {
					now := r.now()
					versions[i].RevokedAt = &now
				}
			}
		}
		if !found {
			return nil, ErrSecretVersionNotFound
		}
		creds.SecretVersions = versions
		if creds.NextSecretVersionID != nil && *creds.NextSecretVersionID == versionID {
			creds.NextSecretVersionID = nil
		}
		inst.ClientCredentials = &creds
		inst.UpdatedAt = r.now()
		snap.Instances[instanceID] = inst

		meta := map[string]any{"version_id": versionID}
		if reason != nil {
			meta["reason"] = *reason
		}
		r.rec.Append(snap, audit.Input{
			EventType:  audit.SecretRevoked,
			Actor:      actor,
			TenantID:   &inst.TenantID,
			InstanceID: &instanceID,
			Metadata:   meta,
		})
		return inst, nil
	})
	if err != nil {
		return store.Instance{}, fmt.Errorf("revoke secret version: %w", err)
	}
	return result.(store.Instance), nil
}

// GetTenant returns a deep copy of a tenant record.
func (r *Registry) GetTenant(id string) (store.Tenant, error) {
	snap, err := r.st.Read(r.key)
	if err != nil {
		return store.Tenant{}, fmt.Errorf("read snapshot: %w", err)
	}
	tenant, ok := snap.Tenants[id]
	if !ok {
		return store.Tenant{}, ErrTenantNotFound
	}
	return tenant, nil
}

// GetInstance returns a deep copy of an instance record.
func (r *Registry) GetInstance(id string) (store.Instance, error) {
	snap, err := r.st.Read(r.key)
	if err != nil {
		return store.Instance{}, fmt.Errorf("read snapshot: %w", err)
	}
	inst, ok := snap.Instances[id]
	if !ok {
		return store.Instance{}, ErrInstanceNotFound
	}
	return inst, nil
}

// GetInstanceByClientID resolves an instance via the client-id reverse
// index.
func (r *Registry) GetInstanceByClientID(clientID string) (store.Instance, error) {
	snap, err := r.st.Read(r.key)
	if err != nil {
		return store.Instance{}, fmt.Errorf("read snapshot: %w", err)
	}
	instanceID, ok := snap.ClientIDIndex[clientID]
	if !ok {
		return store.Instance{}, ErrInstanceNotFound
	}
	inst, ok := snap.Instances[instanceID]
	if !ok {
		return store.Instance{}, ErrInstanceNotFound
	}
	return inst, nil
}
