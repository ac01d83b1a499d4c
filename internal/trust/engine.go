package trust

import (
	"time"

	"github.com/habitloop/habitloop/internal/config"
)

// AttestationResult is the outcome of platform attestation verification.
type AttestationResult int

const (
	AttestationAbsent AttestationResult = iota
	AttestationValid
	AttestationInvalid
)

// ProofResult is the outcome of third-party proof verification.
type ProofResult int

const (
	ProofAbsent ProofResult = iota
	ProofValid
	ProofInvalid
)

// DeviceTrust reflects the stored trust level for the submitting device.
type DeviceTrust int

const (
	DeviceTrustUnknown DeviceTrust = iota
	DeviceTrustTrusted
	DeviceTrustUntrusted
)

// OwnershipResult is the related-entity ownership check outcome.
type OwnershipResult int

const (
	OwnershipNotApplicable OwnershipResult = iota
	OwnershipValid
	OwnershipInvalid
)

// Signals is everything the scoring function sees. All fields are
// reconstructed from durable storage per call; the engine itself holds no
// state.
type Signals struct {
	Attestation AttestationResult
	Proof       ProofResult
	DeviceTrust DeviceTrust

	AccountAge time.Duration

	// TimeSincePrior is nil when the user has no prior event.
	TimeSincePrior *time.Duration

	// DeviceSeenBefore is only consulted when HasDeviceID is set.
	HasDeviceID      bool
	DeviceSeenBefore bool

	Ownership OwnershipResult

	UnresolvedFraudFlags int

	HoneypotTriggered bool
}

// Score computes the additive trust score for an event, clamped to
// [0, 100]. A triggered honeypot forces 0 regardless of other factors.
func Score(policy config.TrustPolicy, s Signals) int {
	if s.HoneypotTriggered {
		return 0
	}
	return clamp(rawScore(policy, s))
}

func spacingContribution(w config.TrustWeights, since *time.Duration) int {
	if since == nil {
		// First event for the user, nothing to compare against.
		return w.SpacingAtLeastMinute
	}
	switch {
	case *since < time.Second:
		return w.SpacingUnderSecond
	case *since < 10*time.Second:
		return w.SpacingUnderTen
	case *since < time.Minute:
		return w.SpacingUnderMinute
	default:
		return w.SpacingAtLeastMinute
	}
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// RawScore computes the unclamped additive score. Exposed for diagnostics
// and fraud insight detail, never to end users.
func RawScore(policy config.TrustPolicy, s Signals) int {
	if s.HoneypotTriggered {
		return 0
	}
	return rawScore(policy, s)
}

func rawScore(policy config.TrustPolicy, s Signals) int {
	w := policy.Weights
	score := 0

	switch s.Attestation {
	case AttestationValid:
		score += w.AttestationValid
	case AttestationInvalid:
		score += w.AttestationInvalid
	default:
		score += w.AttestationAbsent
	}
	switch s.Proof {
	case ProofValid:
		score += w.ProofValid
	case ProofInvalid:
		score += w.ProofInvalid
	}
	switch s.DeviceTrust {
	case DeviceTrustTrusted:
		score += w.DeviceTrusted
	case DeviceTrustUntrusted:
		score += w.DeviceUntrusted
	default:
		score += w.DeviceUnknown
	}
	switch {
	case s.AccountAge < 24*time.Hour:
		score += w.AccountUnderDay
	case s.AccountAge < 7*24*time.Hour:
		score += w.AccountUnderWeek
	default:
		score += w.AccountMature
	}
	score += spacingContribution(w, s.TimeSincePrior)
	if s.HasDeviceID {
		if s.DeviceSeenBefore {
			score += w.DeviceSeen
		} else {
			score += w.DeviceUnseen
		}
	}
	switch s.Ownership {
	case OwnershipValid:
		score += w.OwnershipValid
	case OwnershipInvalid:
		score += w.OwnershipInvalid
	}
	if s.UnresolvedFraudFlags > 0 {
		score += w.UnresolvedFraud
	}
	return score
}
