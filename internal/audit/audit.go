// Package audit implements the append-only audit recorder: every
// mutation in the control plane emits exactly one event, sanitized of
// secret material, plus a normalized projection for cross-service
// tailing.
package audit

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/bdpdx/rezilient-auth-control-plane/internal/clock"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/store"
)

// Event types, the closed set named in the data model.
const (
	TenantCreated                  = "tenant_created"
	TenantStateChanged             = "tenant_state_changed"
	TenantEntitlementChanged       = "tenant_entitlement_changed"
	InstanceCreated                = "instance_created"
	InstanceStateChanged           = "instance_state_changed"
	InstanceAllowedServicesChanged = "instance_allowed_services_changed"
	EnrollmentCodeIssued           = "enrollment_code_issued"
	EnrollmentCodeExchanged        = "enrollment_code_exchanged"
	TokenMinted                    = "token_minted"
	TokenRefreshed                 = "token_refreshed"
	TokenMintDenied                = "token_mint_denied"
	TokenValidated                 = "token_validated"
	TokenValidateDenied            = "token_validate_denied"
	SecretRotationStarted          = "secret_rotation_started"
	SecretRotationAdopted          = "secret_rotation_adopted"
	SecretRotationCompleted        = "secret_rotation_completed"
	SecretRevoked                  = "secret_revoked"
	ControlPlaneOutageModeChanged  = "control_plane_outage_mode_changed"
	EnrollmentCodeExpired          = "enrollment_code_expired"
	SecretRotationOverlapExpired   = "secret_rotation_overlap_expired"
)

// Input is the argument to Append/Record: the fields of an AuditEvent an
// emitting component supplies directly. EventID and OccurredAt are
// always filled in by the recorder.
type Input struct {
	EventType      string
	Actor          *string
	TenantID       *string
	InstanceID     *string
	ClientID       *string
	ServiceScope   *string
	ReasonCode     *string
	InFlightReason *string
	Metadata       map[string]any
}

// Recorder appends audit events, either standalone (Record) or folded
// into an already-open state-store transaction (Append), and serves
// list/list_cross_service reads.
type Recorder struct {
	st    store.Store
	clk   clock.Clock
	key   string
	redact *Redactor
	bus   *Bus
}

// New returns a Recorder that persists into the snapshot at key using
// the default redaction substring set (secret, enrollment_code, token).
func New(st store.Store, clk clock.Clock, key string) *Recorder {
	return &Recorder{
		st:     st,
		clk:    clk,
		key:    key,
		redact: NewRedactor(DefaultRedactedSubstrings()),
		bus:    NewBus(),
	}
}

// WithRedactor overrides the default redaction substring configuration.
func (r *Recorder) WithRedactor(red *Redactor) *Recorder {
	r.redact = red
	return r
}

// Bus returns the in-process fan-out bus that every recorded event's
// cross-service projection is published to.
func (r *Recorder) Bus() *Bus {
	return r.bus
}

// Append creates a fully-formed AuditEvent from in, sanitizes its
// metadata, and appends it (plus its cross-service projection) directly
// onto snap. It is meant to be called from inside another component's
// store.Mutate closure so the event commits atomically with the
// mutation that produced it. It never returns an error: a sanitization
// failure is recovered locally by substituting [REDACTED], per the
// recorder's documented failure semantics.
func (r *Recorder) Append(snap *store.Snapshot, in Input) store.AuditEvent {
	event := store.AuditEvent{
		EventID:        uuid.New().String(),
		EventType:      in.EventType,
		OccurredAt:     isoNow(r.clk),
		Actor:          in.Actor,
		TenantID:       in.TenantID,
		InstanceID:     in.InstanceID,
		ClientID:       in.ClientID,
		ServiceScope:   in.ServiceScope,
		ReasonCode:     in.ReasonCode,
		InFlightReason: in.InFlightReason,
		Metadata:       r.redact.Sanitize(in.Metadata),
	}

	snap.AuditEvents = append(snap.AuditEvents, event)
	snap.CrossServiceEvents = append(snap.CrossServiceEvents, event)

	r.bus.Publish(event)
	return event
}

// Record appends an audit event in its own transaction. Used for
// recorder-only operations that aren't already nested inside another
// component's mutation (there are none in the core today, but the HTTP
// layer may use this for externally-sourced analytics events).
func (r *Recorder) Record(in Input) (store.AuditEvent, error) {
	result, err := r.st.Mutate(r.key, func(snap *store.Snapshot) (any, error) {
		return r.Append(snap, in), nil
	})
	if err != nil {
		return store.AuditEvent{}, fmt.Errorf("record audit event: %w", err)
	}
	return result.(store.AuditEvent), nil
}

// List returns events ordered ascending by occurred_at, trimmed to the
// last limit entries if limit > 0.
func (r *Recorder) List(limit int) ([]store.AuditEvent, error) {
	snap, err := r.st.Read(r.key)
	if err != nil {
		return nil, fmt.Errorf("read snapshot for audit list: %w", err)
	}
	events := append([]store.AuditEvent(nil), snap.AuditEvents...)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt < events[j].OccurredAt
	})
	return trimToLast(events, limit), nil
}

// ListCrossService returns the normalized cross-service projection in
// replay order: primary key occurred_at, secondary key event_id.
func (r *Recorder) ListCrossService(limit int) ([]store.AuditEvent, error) {
	snap, err := r.st.Read(r.key)
	if err != nil {
		return nil, fmt.Errorf("read snapshot for cross-service audit list: %w", err)
	}
	events := append([]store.AuditEvent(nil), snap.CrossServiceEvents...)
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].OccurredAt != events[j].OccurredAt {
			return events[i].OccurredAt < events[j].OccurredAt
		}
		return events[i].EventID < events[j].EventID
	})
	return trimToLast(events, limit), nil
}

func trimToLast(events []store.AuditEvent, limit int) []store.AuditEvent {
	if limit <= 0 || limit >= len(events) {
		return events
	}
	return events[len(events)-limit:]
}

func isoNow(clk clock.Clock) string {
	return clk.Now().UTC().Format(time.RFC3339Nano)
}

// Ptr is a small convenience helper for building *string inputs from a
// literal, mirroring how callers construct optional Input fields.
func Ptr(s string) *string { return &s }
