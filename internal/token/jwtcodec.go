package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// claims mirrors the compact token payload in §4.6.1, field for field.
type claims struct {
	Issuer       string
	Subject      string
	Audience     string
	JTI          string
	IssuedAt     int64
	ExpiresAt    int64
	ServiceScope string
	TenantID     string
	InstanceID   string
	Source       string
}

func (s *Service) sign(c claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":           c.Issuer,
		"sub":           c.Subject,
		"aud":           c.Audience,
		"jti":           c.JTI,
		"iat":           c.IssuedAt,
		"exp":           c.ExpiresAt,
		"service_scope": c.ServiceScope,
		"tenant_id":     c.TenantID,
		"instance_id":   c.InstanceID,
		"source":        c.Source,
	})
	return token.SignedString([]byte(s.cfg.SigningKey))
}

// decode parses and signature-verifies accessToken, returning malformedErr
// or signatureErr (matching the library's sentinel classification) so the
// caller can map each onto the correct §4.6.3 reason code. A successful
// decode does not yet mean the token is semantically valid; the caller
// still checks issuer, expiry, and scope.
func (s *Service) decode(accessToken string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	parsed, err := parser.Parse(accessToken, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.SigningKey), nil
	})
	if err != nil {
		return nil, err
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, jwt.ErrTokenMalformed
	}
	return mc, nil
}

func unixToISO(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339Nano)
}
