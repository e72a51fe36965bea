package token

import (
	"fmt"

	"github.com/bdpdx/rezilient-auth-control-plane/internal/audit"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/crypto"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/metrics"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/store"
)

// MintInput is the argument to Mint.
type MintInput struct {
	GrantType    *string
	Flow         *string // "mint" (default) or "refresh"
	ClientID     string
	ClientSecret string
	ServiceScope string
}

// MintSuccess is returned on a successful mint.
type MintSuccess struct {
	AccessToken string
	ExpiresIn   int
	Scope       string
	IssuedAt    string
	ExpiresAt   string
	TenantID    string
	InstanceID  string
	Source      string
}

// MintFailure is returned on a denied mint; ReasonCode is one of the
// Reason* constants in this package.
type MintFailure struct {
	ReasonCode string
}

func (f *MintFailure) Error() string { return f.ReasonCode }

// Mint evaluates the decision matrix in strict order against a single
// transaction over the control-plane snapshot. The first failing rule
// wins and is emitted as token_mint_denied with its reason_code.
func (s *Service) Mint(input MintInput) (*MintSuccess, *MintFailure, error) {
	scope := input.ServiceScope

	result, err := s.st.Mutate(s.key, func(snap *store.Snapshot) (any, error) {
		// 1. grant_type.
		if input.GrantType != nil && *input.GrantType != "client_credentials" {
			return denyMint(s.rec, snap, ReasonInvalidGrant, nil, nil, nil, scope), nil
		}

		// 2. service_scope must be a known scope.
		if !store.IsValidServiceScope(scope) {
			return denyMint(s.rec, snap, ReasonServiceNotAllowed, nil, nil, nil, scope), nil
		}

		// 3. outage mode.
		if snap.OutageActive {
			return denyMint(s.rec, snap, ReasonOutage, nil, nil, nil, scope), nil
		}

		// 4. resolve instance, credentials, and tenant.
		instanceID, ok := snap.ClientIDIndex[input.ClientID]
		clientID := input.ClientID
		if !ok {
			return denyMint(s.rec, snap, ReasonInvalidClient, nil, nil, &clientID, scope), nil
		}
		inst, ok := snap.Instances[instanceID]
		if !ok || inst.ClientCredentials == nil {
			return denyMint(s.rec, snap, ReasonInvalidClient, nil, &instanceID, &clientID, scope), nil
		}
		tenant, ok := snap.Tenants[inst.TenantID]
		if !ok {
			return denyMint(s.rec, snap, ReasonInvalidClient, &inst.TenantID, &instanceID, &clientID, scope), nil
		}

		// 5. tenant eligibility.
		if tenant.State == store.StateSuspended {
			return denyMint(s.rec, snap, ReasonTenantSuspended, &tenant.TenantID, &instanceID, &clientID, scope), nil
		}
		if tenant.State == store.StateDisabled {
			return denyMint(s.rec, snap, ReasonTenantDisabled, &tenant.TenantID, &instanceID, &clientID, scope), nil
		}
		if tenant.EntitlementState == store.StateSuspended || tenant.EntitlementState == store.StateDisabled {
			return denyMint(s.rec, snap, ReasonTenantNotEntitled, &tenant.TenantID, &instanceID, &clientID, scope), nil
		}

		// 6. instance eligibility.
		if inst.State == store.StateSuspended {
			return denyMint(s.rec, snap, ReasonInstanceSuspended, &tenant.TenantID, &instanceID, &clientID, scope), nil
		}
		if inst.State == store.StateDisabled {
			return denyMint(s.rec, snap, ReasonInstanceDisabled, &tenant.TenantID, &instanceID, &clientID, scope), nil
		}

		// 7. allowed services.
		if !contains(inst.AllowedServices, scope) {
			return denyMint(s.rec, snap, ReasonServiceNotAllowed, &tenant.TenantID, &instanceID, &clientID, scope), nil
		}

		// 8. secret matching.
		match, isNext := matchSecret(inst.ClientCredentials, input.ClientSecret, s.isoNow())
		if match == "" {
			return denyMint(s.rec, snap, ReasonInvalidSecret, &tenant.TenantID, &instanceID, &clientID, scope), nil
		}

		if isNext {
			if err := s.rot.AdoptWithinTransaction(snap, instanceID, match); err != nil {
				return nil, err
			}
		}

		iat := s.nowUnix()
		exp := iat + int64(s.cfg.TokenTTLSeconds)
		jti, err := crypto.RandomToken(16)
		if err != nil {
			return nil, fmt.Errorf("generate jti: %w", err)
		}
		accessToken, err := s.sign(claims{
			Issuer:       s.cfg.Issuer,
			Subject:      clientID,
			Audience:     "rezilient:" + scope,
			JTI:          jtiPrefix + jti,
			IssuedAt:     iat,
			ExpiresAt:    exp,
			ServiceScope: scope,
			TenantID:     tenant.TenantID,
			InstanceID:   instanceID,
			Source:       inst.Source,
		})
		if err != nil {
			return nil, fmt.Errorf("sign token: %w", err)
		}

		issuedAt := s.isoNow()
		expiresAt := unixToISO(exp)

		eventType := audit.TokenMinted
		if input.Flow != nil && *input.Flow == "refresh" {
			eventType = audit.TokenRefreshed
		}
		s.rec.Append(snap, audit.Input{
			EventType:    eventType,
			TenantID:     &tenant.TenantID,
			InstanceID:   &instanceID,
			ClientID:     &clientID,
			ServiceScope: &scope,
			Metadata:     map[string]any{"secret_version_id": match},
		})

		return &MintSuccess{
			AccessToken: accessToken,
			ExpiresIn:   s.cfg.TokenTTLSeconds,
			Scope:       scope,
			IssuedAt:    issuedAt,
			ExpiresAt:   expiresAt,
			TenantID:    tenant.TenantID,
			InstanceID:  instanceID,
			Source:      inst.Source,
		}, nil
	})
	if err != nil {
		return nil, nil, fmtErr("mint", err)
	}

	switch v := result.(type) {
	case *MintSuccess:
		metrics.MintsTotal.WithLabelValues("success").Inc()
		return v, nil, nil
	case *MintFailure:
		metrics.MintsTotal.WithLabelValues(v.ReasonCode).Inc()
		return nil, v, nil
	default:
		return nil, nil, fmt.Errorf("mint: unexpected result type %T", result)
	}
}

// matchSecret iterates every candidate secret version with no early exit
// on mismatch, per §4.6.2. Returns the matched version_id (empty if none)
// and whether the match was against the next version.
func matchSecret(creds *store.ClientCredentials, suppliedSecret string, nowISO string) (string, bool) {
	suppliedHash := crypto.SHA256Hex(suppliedSecret)
	matched := ""
	for _, v := range creds.SecretVersions {
		if v.RevokedAt != nil {
			continue
		}
		if v.ValidUntil != nil && nowISO > *v.ValidUntil {
			continue
		}
		if crypto.ConstantTimeHexEqual(v.SecretHash, suppliedHash) {
			matched = v.VersionID
		}
	}
	if matched == "" {
		return "", false
	}
	isNext := creds.NextSecretVersionID != nil && *creds.NextSecretVersionID == matched
	return matched, isNext
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
