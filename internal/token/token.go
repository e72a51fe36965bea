// Package token implements the mint decision matrix, validation, and the
// outage-mode / in-flight entitlement evaluations that gate every
// downstream request against REG and RRS.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/bdpdx/rezilient-auth-control-plane/internal/audit"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/clock"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/logging"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/rotation"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/store"
)

// ErrSigningKeyTooShort is returned by New when the configured signing key
// is shorter than the minimum required length.
var ErrSigningKeyTooShort = errors.New("signing_key must be at least 32 characters")

const minSigningKeyLength = 32

// Identifier prefixes, preserved byte-for-byte.
const (
	jtiPrefix = "tok_"
)

// Reason codes for mint denials, in the exact order the decision matrix
// evaluates them.
const (
	ReasonInvalidGrant        = "denied_invalid_grant"
	ReasonServiceNotAllowed   = "denied_service_not_allowed"
	ReasonOutage              = "denied_auth_control_plane_outage"
	ReasonInvalidClient       = "denied_invalid_client"
	ReasonTenantSuspended     = "denied_tenant_suspended"
	ReasonTenantDisabled      = "denied_tenant_disabled"
	ReasonTenantNotEntitled   = "denied_tenant_not_entitled"
	ReasonInstanceSuspended   = "denied_instance_suspended"
	ReasonInstanceDisabled    = "denied_instance_disabled"
	ReasonInvalidSecret       = "denied_invalid_secret"
)

// Reason codes for validate denials.
const (
	ReasonTokenMalformed        = "denied_token_malformed"
	ReasonTokenInvalidSignature = "denied_token_invalid_signature"
	ReasonTokenExpired          = "denied_token_expired"
	ReasonTokenWrongScope       = "denied_token_wrong_service_scope"
)

// Config is the Token component's fixed configuration.
type Config struct {
	Issuer                  string
	SigningKey              string
	TokenTTLSeconds         int
	TokenClockSkewSeconds   int
	OutageGraceWindowSeconds int
}

func (c Config) validate() error {
	if len(c.SigningKey) < minSigningKeyLength {
		return ErrSigningKeyTooShort
	}
	return nil
}

// Service implements mint, validate, outage-mode, and in-flight
// entitlement evaluation over the Registry's snapshot.
type Service struct {
	st   store.Store
	clk  clock.Clock
	key  string
	rec  *audit.Recorder
	rot  *rotation.Service
	cfg  Config
	log  *logging.Logger
}

// New constructs a token Service. Returns ErrSigningKeyTooShort if
// cfg.SigningKey is under the 32-character minimum.
func New(st store.Store, clk clock.Clock, key string, rec *audit.Recorder, rot *rotation.Service, cfg Config, log *logging.Logger) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Service{st: st, clk: clk, key: key, rec: rec, rot: rot, cfg: cfg, log: log}, nil
}

func (s *Service) isoNow() string {
	return s.clk.Now().UTC().Format(time.RFC3339Nano)
}

func (s *Service) nowUnix() int64 {
	return s.clk.Now().Unix()
}

// denyMint builds a MintFailure and emits token_mint_denied. Called only
// from inside the enclosing store.Mutate closure so the denial commits
// atomically with whatever partial context was gathered.
func denyMint(rec *audit.Recorder, snap *store.Snapshot, reason string, tenantID, instanceID, clientID *string, scope string) *MintFailure {
	rec.Append(snap, audit.Input{
		EventType:    audit.TokenMintDenied,
		TenantID:     tenantID,
		InstanceID:   instanceID,
		ClientID:     clientID,
		ServiceScope: strPtrOrNil(scope),
		ReasonCode:   &reason,
	})
	return &MintFailure{ReasonCode: reason}
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func fmtErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}
