package token

import "github.com/bdpdx/rezilient-auth-control-plane/internal/store"

// In-flight entitlement actions and reasons, per §4.6.5.
const (
	ActionContinue                = "continue"
	ActionPause                   = "pause"
	ActionContinueUntilBoundary   = "continue_until_chunk_boundary"
	ReasonInstanceDisabledInFlight   = "paused_instance_disabled"
	ReasonEntitlementDisabledInFlight = "paused_entitlement_disabled"
)

// EntitlementDecision is the result of EvaluateInFlightEntitlement.
type EntitlementDecision struct {
	Action     string
	ReasonCode string // empty when Action == ActionContinue
}

// EvaluateInFlightEntitlement decides whether an already-running
// workload chunk may keep going. A missing instance is treated as the
// instance-disabled case; instance problems take priority over tenant
// problems.
func (s *Service) EvaluateInFlightEntitlement(instanceID string, atChunkBoundary bool) (EntitlementDecision, error) {
	snap, err := s.st.Read(s.key)
	if err != nil {
		return EntitlementDecision{}, fmtErr("evaluate in-flight entitlement", err)
	}

	inst, ok := snap.Instances[instanceID]
	instanceProblem := !ok || inst.State != store.StateActive

	var tenantProblem bool
	if !instanceProblem {
		tenant, tok := snap.Tenants[inst.TenantID]
		tenantProblem = !tok || tenant.State != store.StateActive || tenant.EntitlementState != store.StateActive
	}

	if !instanceProblem && !tenantProblem {
		return EntitlementDecision{Action: ActionContinue}, nil
	}

	reason := ReasonEntitlementDisabledInFlight
	if instanceProblem {
		reason = ReasonInstanceDisabledInFlight
	}

	if atChunkBoundary {
		return EntitlementDecision{Action: ActionPause, ReasonCode: reason}, nil
	}
	return EntitlementDecision{Action: ActionContinueUntilBoundary, ReasonCode: reason}, nil
}
