// lifecycle.go advances investigations through the monotone state machine.
package sec

import (
	"fmt"
	"math/rand"

	"wallstreetsim/internal/config"
	"wallstreetsim/pkg/types"
)

// Lifecycle drives investigation transitions on elapsed-tick thresholds.
type Lifecycle struct {
	cfg config.SECConfig
}

// NewLifecycle creates a lifecycle driver.
func NewLifecycle(cfg config.SECConfig) *Lifecycle {
	return &Lifecycle{cfg: cfg}
}

// Open creates a new investigation from a violation.
func (l *Lifecycle) Open(v types.Violation) types.Investigation {
	return types.Investigation{
		ID:         v.ID,
		AgentID:    v.AgentID,
		Crime:      v.Crime,
		State:      types.CaseOpen,
		Evidence:   v.Weight,
		TickOpened: v.Tick,
	}
}

// Reinforce folds an additional violation into an unresolved investigation.
func (l *Lifecycle) Reinforce(inv *types.Investigation, v types.Violation) {
	inv.Evidence += v.Weight
}

// Advance moves an investigation forward at most one state per tick.
// Returns the alert describing the transition, or nil when no threshold
// has elapsed. The verdict draw comes from the scheduler's per-tick
// deterministic stream.
func (l *Lifecycle) Advance(tick int64, inv *types.Investigation, rng *rand.Rand) *types.InvestigationAlert {
	switch inv.State {
	case types.CaseOpen:
		if tick-inv.TickOpened < l.cfg.OpenToActiveTicks {
			return nil
		}
		inv.State = types.CaseActive
		inv.TickActivated = tick
		return l.alert(tick, inv, "investigation is now active")

	case types.CaseActive:
		if tick-inv.TickActivated < l.cfg.ActiveToChargeTicks {
			return nil
		}
		inv.State = types.CaseCharged
		inv.TickCharged = tick
		return l.alert(tick, inv, fmt.Sprintf("formally charged with %s", inv.Crime))

	case types.CaseCharged:
		if tick-inv.TickCharged < l.cfg.ChargeToTrialTicks {
			return nil
		}
		inv.State = types.CaseTrial
		inv.TickTrial = tick
		return l.alert(tick, inv, "trial has begun")

	case types.CaseTrial:
		if tick-inv.TickTrial < l.cfg.TrialToVerdictTicks {
			return nil
		}
		return l.verdict(tick, inv, rng)

	default:
		// terminal
		return nil
	}
}

// verdict resolves a trial. Conviction odds grow with accumulated evidence;
// weak cases tend to settle.
func (l *Lifecycle) verdict(tick int64, inv *types.Investigation, rng *rand.Rand) *types.InvestigationAlert {
	inv.TickResolved = tick

	convictOdds := 0.3 + 0.1*inv.Evidence
	if convictOdds > 0.9 {
		convictOdds = 0.9
	}
	roll := rng.Float64()

	switch {
	case roll < convictOdds:
		inv.State = types.CaseConvicted
		inv.Fine = l.cfg.BaseFine * (1 + inv.Evidence)
		inv.SentenceYears = 1 + int(inv.Evidence)
		if inv.SentenceYears > l.cfg.MaxSentenceYears {
			inv.SentenceYears = l.cfg.MaxSentenceYears
		}
		return l.alert(tick, inv, fmt.Sprintf("convicted of %s: fined %.0f, sentenced to %d years", inv.Crime, inv.Fine, inv.SentenceYears))

	case inv.Evidence < 1.5 && roll < convictOdds+0.3:
		inv.State = types.CaseSettled
		inv.Fine = l.cfg.BaseFine * 0.5
		return l.alert(tick, inv, fmt.Sprintf("case settled for %.0f without admission of wrongdoing", inv.Fine))

	default:
		inv.State = types.CaseAcquitted
		return l.alert(tick, inv, "acquitted of all charges")
	}
}

func (l *Lifecycle) alert(tick int64, inv *types.Investigation, msg string) *types.InvestigationAlert {
	return &types.InvestigationAlert{
		InvestigationID: inv.ID,
		AgentID:         inv.AgentID,
		Crime:           inv.Crime,
		State:           inv.State,
		Tick:            tick,
		Fine:            inv.Fine,
		SentenceYears:   inv.SentenceYears,
		Message:         msg,
	}
}

// AgentStatusFor maps an investigation state onto the denormalized
// per-agent investigation status.
func AgentStatusFor(state types.InvestigationState) types.AgentInvestigationStatus {
	switch state {
	case types.CaseOpen, types.CaseActive:
		return types.InvUnder
	case types.CaseCharged, types.CaseTrial:
		return types.InvCharged
	case types.CaseConvicted:
		return types.InvConvicted
	case types.CaseAcquitted:
		return types.InvAcquitted
	case types.CaseSettled:
		return types.InvNone
	default:
		return types.InvNone
	}
}
