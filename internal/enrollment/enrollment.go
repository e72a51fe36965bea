// Package enrollment issues one-time bootstrap codes and exchanges them
// atomically for an instance's initial client credentials.
package enrollment

import (
	"errors"
	"fmt"
	"time"

	"github.com/bdpdx/rezilient-auth-control-plane/internal/audit"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/clock"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/crypto"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/logging"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/metrics"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/store"
)

var (
	ErrTenantNotFound   = errors.New("tenant_not_found")
	ErrInstanceNotFound = errors.New("instance_not_found")
	ErrInstanceNotLinked = errors.New("instance_not_linked_to_tenant")
	ErrClientIDAllocationFailed = errors.New("client_id_allocation_failed")
)

// Reason codes for exchange failures, matching §4.4 byte-for-byte.
const (
	ReasonInvalidCode = "denied_invalid_enrollment_code"
	ReasonCodeUsed     = "denied_enrollment_code_used"
	ReasonCodeExpired  = "denied_enrollment_code_expired"
)

const (
	codeIDPrefix   = "enr_"
	clientIDPrefix = "cli_"
	secretPrefix   = "sec_"
	maxClientIDRetries = 10
)

// IssueResult is returned by Issue. EnrollmentCode is the plaintext
// code, returned exactly once and never persisted.
type IssueResult struct {
	CodeID         string
	EnrollmentCode string
	ExpiresAt      string
}

// ExchangeResult is returned by a successful Exchange.
type ExchangeResult struct {
	TenantID        string
	InstanceID      string
	ClientID        string
	ClientSecret    string
	SecretVersionID string
}

// ExchangeFailure is returned by a failed Exchange; ReasonCode is one of
// the Reason* constants above.
type ExchangeFailure struct {
	ReasonCode string
}

func (f *ExchangeFailure) Error() string { return f.ReasonCode }

// Service issues and exchanges enrollment codes.
type Service struct {
	st  store.Store
	clk clock.Clock
	key string
	rec *audit.Recorder
	log *logging.Logger
}

// New constructs an enrollment Service over the snapshot at key.
func New(st store.Store, clk clock.Clock, key string, rec *audit.Recorder, log *logging.Logger) *Service {
	return &Service{st: st, clk: clk, key: key, rec: rec, log: log}
}

// Issue validates that tenantID/instanceID exist and are linked, then
// persists a new enrollment code record keyed by both code_id and the
// SHA-256 hash of the plaintext code. The plaintext code is returned
// exactly once and is never itself persisted.
func (s *Service) Issue(tenantID, instanceID string, ttlSeconds int, requestedBy *string) (IssueResult, error) {
	plaintext, err := crypto.RandomToken(24)
	if err != nil {
		return IssueResult{}, fmt.Errorf("generate enrollment code: %w", err)
	}
	codeID, err := crypto.RandomToken(12)
	if err != nil {
		return IssueResult{}, fmt.Errorf("generate code id: %w", err)
	}
	codeID = codeIDPrefix + codeID
	codeHash := crypto.SHA256Hex(plaintext)

	now := s.clk.Now()
	expiresAt := now.Add(time.Duration(ttlSeconds) * time.Second).UTC().Format(time.RFC3339Nano)

	result, err := s.st.Mutate(s.key, func(snap *store.Snapshot) (any, error) {
		tenant, ok := snap.Tenants[tenantID]
		if !ok {
			return nil, ErrTenantNotFound
		}
		inst, ok := snap.Instances[instanceID]
		if !ok {
			return nil, ErrInstanceNotFound
		}
		if inst.TenantID != tenant.TenantID {
			return nil, ErrInstanceNotLinked
		}

		record := store.EnrollmentCode{
			CodeID:     codeID,
			CodeHash:   codeHash,
			TenantID:   tenantID,
			InstanceID: instanceID,
			IssuedAt:   now.UTC().Format(time.RFC3339Nano),
			ExpiresAt:  expiresAt,
			IssuedBy:   requestedBy,
		}
		snap.EnrollmentCodes[codeID] = record
		snap.CodeHashIndex[codeHash] = codeID

		s.rec.Append(snap, audit.Input{
			EventType:  audit.EnrollmentCodeIssued,
			Actor:      requestedBy,
			TenantID:   &tenantID,
			InstanceID: &instanceID,
		})

		return IssueResult{CodeID: codeID, EnrollmentCode: plaintext, ExpiresAt: expiresAt}, nil
	})
	if err != nil {
		return IssueResult{}, fmt.Errorf("issue enrollment code: %w", err)
	}
	metrics.EnrollmentCodesIssued.Inc()
	return result.(IssueResult), nil
}

// Exchange redeems a plaintext enrollment code for an initial client
// credential, in a single transaction.
func (s *Service) Exchange(enrollmentCode string) (*ExchangeResult, *ExchangeFailure, error) {
	codeHash := crypto.SHA256Hex(enrollmentCode)

	result, err := s.st.Mutate(s.key, func(snap *store.Snapshot) (any, error) {
		codeID, ok := snap.CodeHashIndex[codeHash]
		if !ok {
			return s.deny(snap, ReasonInvalidCode, nil, nil), nil
		}
		record, ok := snap.EnrollmentCodes[codeID]
		if !ok {
			return s.deny(snap, ReasonInvalidCode, nil, nil), nil
		}

		inst, instOK := snap.Instances[record.InstanceID]
		alreadyUsed := record.UsedAt != nil || (instOK && inst.ClientCredentials != nil)
		if alreadyUsed {
			return s.deny(snap, ReasonCodeUsed, &record.TenantID, &record.InstanceID), nil
		}

		now := s.clk.Now()
		if now.UTC().Format(time.RFC3339Nano) > record.ExpiresAt {
			return s.deny(snap, ReasonCodeExpired, &record.TenantID, &record.InstanceID), nil
		}

		clientID, err := s.allocateClientID(snap)
		if err != nil {
			return nil, err
		}
		rawSecret, err := crypto.RandomToken(32)
		if err != nil {
			return nil, fmt.Errorf("generate client secret: %w", err)
		}
		clientSecret := secretPrefix + rawSecret
		secretHash := crypto.SHA256Hex(clientSecret)

		nowISO := now.UTC().Format(time.RFC3339Nano)
		inst.ClientCredentials = &store.ClientCredentials{
			ClientID:               clientID,
			CurrentSecretVersionID: "sv_1",
			SecretVersions: []store.SecretVersion{
				{VersionID: "sv_1", SecretHash: secretHash, CreatedAt: nowISO},
			},
		}
		inst.UpdatedAt = nowISO
		snap.Instances[record.InstanceID] = inst
		snap.ClientIDIndex[clientID] = record.InstanceID

		record.UsedAt = &nowISO
		snap.EnrollmentCodes[codeID] = record

		s.rec.Append(snap, audit.Input{
			EventType:  audit.EnrollmentCodeExchanged,
			TenantID:   &record.TenantID,
			InstanceID: &record.InstanceID,
			ClientID:   &clientID,
		})

		return &ExchangeResult{
			TenantID:        record.TenantID,
			InstanceID:      record.InstanceID,
			ClientID:        clientID,
			ClientSecret:    clientSecret,
			SecretVersionID: "sv_1",
		}, nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("exchange enrollment code: %w", err)
	}

	switch v := result.(type) {
	case *ExchangeResult:
		metrics.EnrollmentCodesExchanged.WithLabelValues("success").Inc()
		return v, nil, nil
	case *ExchangeFailure:
		metrics.EnrollmentCodesExchanged.WithLabelValues(v.ReasonCode).Inc()
		return nil, v, nil
	default:
		return nil, nil, fmt.Errorf("exchange enrollment code: unexpected result type %T", result)
	}
}

// deny records a token_mint_denied audit event with phase
// enrollment_exchange and returns the failure value, per §4.4's "on
// failure, emits token_mint_denied with phase enrollment_exchange".
func (s *Service) deny(snap *store.Snapshot, reasonCode string, tenantID, instanceID *string) *ExchangeFailure {
	s.rec.Append(snap, audit.Input{
		EventType:  audit.TokenMintDenied,
		TenantID:   tenantID,
		InstanceID: instanceID,
		ReasonCode: &reasonCode,
		Metadata:   map[string]any{"phase": "enrollment_exchange"},
	})
	return &ExchangeFailure{ReasonCode: reasonCode}
}

// allocateClientID generates a fresh, collision-free client_id, retrying
// up to maxClientIDRetries times before failing loudly.
func (s *Service) allocateClientID(snap *store.Snapshot) (string, error) {
	for i := 0; i < maxClientIDRetries; i++ {
		raw, err := crypto.RandomToken(16)
		if err != nil {
			return "", fmt.Errorf("generate client id: %w", err)
		}
		candidate := clientIDPrefix + raw
		if _, exists := snap.ClientIDIndex[candidate]; !exists {
			return candidate, nil
		}
	}
	return "", ErrClientIDAllocationFailed
}
