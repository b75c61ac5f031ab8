package audit

import (
	"bytes"
	"encoding/json"
	"math"
)

// Level is a qualitative risk level
type Level string

const (
	LevelLow        Level = "LOW"
	LevelLowMedium  Level = "LOW-MEDIUM"
	LevelMedium     Level = "MEDIUM"
	LevelMediumHigh Level = "MEDIUM-HIGH"
	LevelHigh       Level = "HIGH"
)

// unknownScore is used for levels outside the scale
const unknownScore = 3

// Score maps the level onto 1..5
func (l Level) Score() int {
	switch l {
	case LevelLow:
		return 1
	case LevelLowMedium:
		return 2
	case LevelMedium:
		return 3
	case LevelMediumHigh:
		return 4
	case LevelHigh:
		return 5
	default:
		return unknownScore
	}
}

// Risk is one assessed risk
type Risk struct {
	Name        string `json:"-"`
	Level       Level  `json:"level"`
	Explanation string `json:"explanation"`
}

// Risks keeps assessment order and marshals as a JSON object keyed by name
type Risks []Risk

// MarshalJSON implements json.Marshaler
func (rs Risks) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, r := range rs {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(r.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Comparison sets the pool against solo.ckpool.org
type Comparison struct {
	Differences  []string `json:"differences"`
	Similarities []string `json:"similarities"`
	Verdict      string   `json:"verdict"`
}

// RiskAssessment is the scored set of risks
type RiskAssessment struct {
	OverallRisk        Level      `json:"overall_risk"`
	RiskScore          float64    `json:"risk_score"`
	IndividualRisks    Risks      `json:"individual_risks"`
	ComparisonToCKPool Comparison `json:"comparison_to_ckpool"`
}

// DefaultRisks is the standing assessment of a non-custodial solo pool
func DefaultRisks() Risks {
	return Risks{
		{
			Name:        "custodial_risk",
			Level:       LevelLow,
			Explanation: "Wallet address is set by miner in username. Pool cannot redirect funds without changing coinbase, which would be visible on-chain.",
		},
		{
			Name:        "intermediation_risk",
			Level:       LevelMedium,
			Explanation: "Pool acts as intermediary between miner and Bitcoin network. This is inherent to all pools including solo.ckpool.org.",
		},
		{
			Name:        "single_point_of_failure",
			Level:       LevelMedium,
			Explanation: "If pool goes offline, miners must switch to another pool. Mitigated by using standard Stratum protocol.",
		},
		{
			Name:        "protocol_compliance",
			Level:       LevelLow,
			Explanation: "Uses standard Stratum v1 protocol, compatible with all mining hardware.",
		},
		{
			Name:        "shutdown_risk",
			Level:       LevelLowMedium,
			Explanation: "Pool operator has documented 30-day notice policy. No funds at risk as mining is non-custodial.",
		},
		{
			Name:        "fee_transparency",
			Level:       LevelLow,
			Explanation: "2% fee documented. Verifiable on-chain when blocks are found.",
		},
	}
}

// ckpoolComparison is the standing comparison with solo.ckpool.org
func ckpoolComparison() Comparison {
	return Comparison{
		Differences: []string{
			"Custom branding in coinbase tag",
			"2% fee vs 2% on solo.ckpool.org (same)",
			"Independent infrastructure vs shared ckpool servers",
		},
		Similarities: []string{
			"Same CKPool software",
			"Same Stratum protocol",
			"Same solo mining model",
			"Same non-custodial approach",
		},
		Verdict: "Functionally equivalent to solo.ckpool.org with independent infrastructure",
	}
}

// OverallLevel buckets an average score
func OverallLevel(avg float64) Level {
	switch {
	case avg <= 1.5:
		return LevelLow
	case avg <= 2.5:
		return LevelLowMedium
	case avg <= 3.5:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// Assess scores risks. The overall level uses the unrounded average.
func Assess(risks Risks) RiskAssessment {
	ra := RiskAssessment{
		OverallRisk:        LevelMedium,
		RiskScore:          unknownScore,
		IndividualRisks:    risks,
		ComparisonToCKPool: ckpoolComparison(),
	}
	if len(risks) == 0 {
		return ra
	}

	total := 0
	for _, r := range risks {
		total += r.Level.Score()
	}
	avg := float64(total) / float64(len(risks))

	ra.OverallRisk = OverallLevel(avg)
	ra.RiskScore = roundTo(avg, 2)
	return ra
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}
