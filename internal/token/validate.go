package token

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bdpdx/rezilient-auth-control-plane/internal/audit"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/metrics"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/store"
)

// ValidateInput is the argument to Validate.
type ValidateInput struct {
	AccessToken          string
	ExpectedServiceScope *string
}

// ValidateSuccess is returned by a successful Validate.
type ValidateSuccess struct {
	Subject      string
	JTI          string
	IssuedAt     int64
	ExpiresAt    int64
	ServiceScope string
	TenantID     string
	InstanceID   string
	Source       string
}

// ValidateFailure is returned by a failed Validate; ReasonCode is one of
// the Reason* validate constants in this package.
type ValidateFailure struct {
	ReasonCode string
}

func (f *ValidateFailure) Error() string { return f.ReasonCode }

// Validate verifies signature, issuer, expiry (with clock skew), and
// optionally the expected service scope. Every failure path emits
// token_validate_denied with the matching reason code; success emits
// token_validated.
func (s *Service) Validate(input ValidateInput) (*ValidateSuccess, *ValidateFailure, error) {
	mc, err := s.decode(input.AccessToken)
	if err != nil {
		reason := ReasonTokenMalformed
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			reason = ReasonTokenInvalidSignature
		}
		failure, recErr := s.denyValidate(reason, nil, nil)
		return nil, failure, recErr
	}

	issuer, issOK := mc["iss"].(string)
	subject, subOK := mc["sub"].(string)
	_, audOK := mc["aud"].(string)
	jti, jtiOK := mc["jti"].(string)
	iatF, iatOK := mc["iat"].(float64)
	expF, expOK := mc["exp"].(float64)
	serviceScope, scopeOK := mc["service_scope"].(string)
	tenantID, tenantOK := mc["tenant_id"].(string)
	instanceID, instanceOK := mc["instance_id"].(string)
	source, sourceOK := mc["source"].(string)

	if !issOK || !subOK || !audOK || !jtiOK || !iatOK || !expOK || !tenantOK || !instanceOK || !sourceOK {
		failure, recErr := s.denyValidate(ReasonTokenMalformed, nil, nil)
		return nil, failure, recErr
	}
	if !scopeOK || !store.IsValidServiceScope(serviceScope) {
		failure, recErr := s.denyValidate(ReasonTokenMalformed, &tenantID, &instanceID)
		return nil, failure, recErr
	}
	if issuer != s.cfg.Issuer {
		failure, recErr := s.denyValidate(ReasonTokenMalformed, &tenantID, &instanceID)
		return nil, failure, recErr
	}

	exp := int64(expF)
	iat := int64(iatF)
	if s.nowUnix() > exp+int64(s.cfg.TokenClockSkewSeconds) {
		failure, recErr := s.denyValidate(ReasonTokenExpired, &tenantID, &instanceID)
		return nil, failure, recErr
	}

	if input.ExpectedServiceScope != nil && *input.ExpectedServiceScope != serviceScope {
		failure, recErr := s.denyValidate(ReasonTokenWrongScope, &tenantID, &instanceID)
		return nil, failure, recErr
	}

	if _, err := s.rec.Record(audit.Input{
		EventType:    audit.TokenValidated,
		TenantID:     &tenantID,
		InstanceID:   &instanceID,
		ClientID:     &subject,
		ServiceScope: &serviceScope,
	}); err != nil {
		return nil, nil, fmtErr("validate", err)
	}
	metrics.ValidatesTotal.WithLabelValues("success").Inc()

	return &ValidateSuccess{
		Subject:      subject,
		JTI:          jti,
		IssuedAt:     iat,
		ExpiresAt:    exp,
		ServiceScope: serviceScope,
		TenantID:     tenantID,
		InstanceID:   instanceID,
		Source:       source,
	}, nil, nil
}

func (s *Service) denyValidate(reason string, tenantID, instanceID *string) (*ValidateFailure, error) {
	if _, err := s.rec.Record(audit.Input{
		EventType:  audit.TokenValidateDenied,
		TenantID:   tenantID,
		InstanceID: instanceID,
		ReasonCode: &reason,
	}); err != nil {
		return nil, fmtErr("validate", err)
	}
	metrics.ValidatesTotal.WithLabelValues(reason).Inc()
	return &ValidateFailure{ReasonCode: reason}, nil
}
