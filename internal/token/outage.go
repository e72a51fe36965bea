package token

import (
	"github.com/bdpdx/rezilient-auth-control-plane/internal/audit"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/metrics"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/store"
)

// Refresh-during-outage actions and reasons, per §4.6.4.
const (
	RefreshAllowed       = "refresh_allowed"
	RetryWithinGrace     = "retry_within_grace"
	PauseInFlight        = "pause_in_flight"
	ReasonBlockedOutage  = "blocked_auth_control_plane_outage"
	ReasonGraceExhausted = "paused_token_refresh_grace_exhausted"
)

// RefreshDecision is the result of evaluateRefreshDuringOutage.
type RefreshDecision struct {
	Action     string
	ReasonCode string // empty when Action == RefreshAllowed
}

// SetOutageMode writes the outage flag transactionally and emits
// control_plane_outage_mode_changed carrying the new value.
func (s *Service) SetOutageMode(active bool, actor *string) error {
	_, err := s.st.Mutate(s.key, func(snap *store.Snapshot) (any, error) {
		snap.OutageActive = active
		s.rec.Append(snap, audit.Input{
			EventType: audit.ControlPlaneOutageModeChanged,
			Actor:     actor,
			Metadata:  map[string]any{"active": active},
		})
		return nil, nil
	})
	if err != nil {
		return fmtErr("set outage mode", err)
	}
	if active {
		metrics.OutageMode.Set(1)
	} else {
		metrics.OutageMode.Set(0)
	}
	return nil
}

// IsOutageModeActive reads the current outage flag.
func (s *Service) IsOutageModeActive() (bool, error) {
	snap, err := s.st.Read(s.key)
	if err != nil {
		return false, fmtErr("read outage mode", err)
	}
	return snap.OutageActive, nil
}

// EvaluateRefreshDuringOutage implements §4.6.4's boundary rules for an
// in-flight refresh against a token expiring at tokenExpiresAtUnix.
func (s *Service) EvaluateRefreshDuringOutage(tokenExpiresAtUnix int64) (RefreshDecision, error) {
	active, err := s.IsOutageModeActive()
	if err != nil {
		return RefreshDecision{}, err
	}
	if !active {
		return RefreshDecision{Action: RefreshAllowed}, nil
	}

	graceDeadline := tokenExpiresAtUnix + int64(s.cfg.OutageGraceWindowSeconds)
	if s.nowUnix() <= graceDeadline {
		return RefreshDecision{Action: RetryWithinGrace, ReasonCode: ReasonBlockedOutage}, nil
	}
	return RefreshDecision{Action: PauseInFlight, ReasonCode: ReasonGraceExhausted}, nil
}
