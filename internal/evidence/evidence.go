// Package evidence models verification evidence (claims, supports,
// contradictions, verdicts) and the aggregation used to gate downstream
// decisions on it.
package evidence

import (
	"encoding/json"
	"fmt"
	"math"
)

// Verdict classifications on the wire.
const (
	VerdictSupported    = "supported"
	VerdictContradicted = "contradicted"
	VerdictNeutral      = "neutral"
)

type Support struct {
	ClaimID     string  `json:"claim_id"`
	Source      string  `json:"source"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation,omitempty"`
}

type Contradiction struct {
	ClaimID     string  `json:"claim_id"`
	Source      string  `json:"source"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation,omitempty"`
}

type Verdict struct {
	ClaimID       string  `json:"claim_id"`
	Verdict       string  `json:"verdict"`
	Confidence    float64 `json:"confidence"`
	NeedsCitation bool    `json:"needs_citation,omitempty"`
}

// Evidence is the payload produced by verification tools. All sections are
// optional on the wire.
type Evidence struct {
	Claims      []string        `json:"claims,omitempty"`
	Supports    []Support       `json:"supports,omitempty"`
	Contradicts []Contradiction `json:"contradicts,omitempty"`
	Verdicts    []Verdict       `json:"verdicts,omitempty"`
}

// Parse decodes an evidence payload from a tool result.
func Parse(raw json.RawMessage) (*Evidence, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty evidence payload")
	}
	var ev Evidence
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode evidence: %w", err)
	}
	return &ev, nil
}

// ClaimSummary aggregates the evidence touching one claim.
type ClaimSummary struct {
	Supports          int      `json:"supports"`
	Contradictions    int      `json:"contradictions"`
	AverageConfidence *float64 `json:"average_confidence,omitempty"`
	MaxConfidence     *float64 `json:"max_confidence,omitempty"`
	MinConfidence     *float64 `json:"min_confidence,omitempty"`
}

// VerificationResult is the run-level aggregation over an Evidence payload.
// Mean/min/max are taken over verdict confidences.
type VerificationResult struct {
	TotalClaims        int                     `json:"total_claims"`
	SupportedClaims    int                     `json:"supported_claims"`
	ContradictedClaims int                     `json:"contradicted_claims"`
	MeanConfidence     float64                 `json:"mean_confidence"`
	NeedsCitationCount int                     `json:"needs_citation_count"`
	MaxConfidence      float64                 `json:"max_confidence"`
	MinConfidence      float64                 `json:"min_confidence"`
	PerClaim           map[string]ClaimSummary `json:"per_claim"`
}

type claimAccumulator struct {
	supports        int
	contradictions  int
	confidenceSum   float64
	confidenceCount int
	minConfidence   float64
	maxConfidence   float64
}

func (a *claimAccumulator) addConfidence(v float64) {
	a.confidenceSum += v
	a.confidenceCount++
	if a.confidenceCount == 1 {
		a.minConfidence = v
		a.maxConfidence = v
		return
	}
	a.minConfidence = math.Min(a.minConfidence, v)
	a.maxConfidence = math.Max(a.maxConfidence, v)
}

func (a *claimAccumulator) summary() ClaimSummary {
	s := ClaimSummary{Supports: a.supports, Contradictions: a.contradictions}
	if a.confidenceCount > 0 {
		avg := a.confidenceSum / float64(a.confidenceCount)
		mn, mx := a.minConfidence, a.maxConfidence
		s.AverageConfidence = &avg
		s.MinConfidence = &mn
		s.MaxConfidence = &mx
	}
	return s
}

// Verify aggregates the evidence into a VerificationResult. Claims listed
// without any supports/contradictions/verdicts still get a (zeroed) summary.
func Verify(ev *Evidence) VerificationResult {
	accs := map[string]*claimAccumulator{}
	get := func(id string) *claimAccumulator {
		a, ok := accs[id]
		if !ok {
			a = &claimAccumulator{}
			accs[id] = a
		}
		return a
	}

	for _, c := range ev.Claims {
		get(c)
	}
	for _, s := range ev.Supports {
		a := get(s.ClaimID)
		a.supports++
		a.addConfidence(s.Confidence)
	}
	for _, c := range ev.Contradicts {
		a := get(c.ClaimID)
		a.contradictions++
		a.addConfidence(c.Confidence)
	}

	res := VerificationResult{PerClaim: map[string]ClaimSummary{}}
	res.TotalClaims = len(ev.Verdicts)
	var confidenceSum float64
	minConf := math.Inf(1)
	for _, v := range ev.Verdicts {
		switch v.Verdict {
		case VerdictSupported:
			res.SupportedClaims++
		case VerdictContradicted:
			res.ContradictedClaims++
		}
		if v.NeedsCitation {
			res.NeedsCitationCount++
		}
		confidenceSum += v.Confidence
		minConf = math.Min(minConf, v.Confidence)
		res.MaxConfidence = math.Max(res.MaxConfidence, v.Confidence)
		get(v.ClaimID).addConfidence(v.Confidence)
	}
	if !math.IsInf(minConf, 1) {
		res.MinConfidence = minConf
	}
	if res.TotalClaims > 0 {
		res.MeanConfidence = confidenceSum / float64(res.TotalClaims)
	}
	for id, a := range accs {
		res.PerClaim[id] = a.summary()
	}
	return res
}

// ValidationError reports why an evidence payload is not fit for storage.
type ValidationError struct {
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("evidence validation: %s: %s", e.Rule, e.Message)
}

// ContradictionRatioMax is the storage ceiling on contradicted verdicts.
const ContradictionRatioMax = 0.5

// ValidateForStorage gates evidence before it may be persisted: mean verdict
// confidence must meet minConfidence, every claim must have at least one
// support, and at most half the verdicts may be contradictions.
func ValidateForStorage(ev *Evidence, minConfidence float64) error {
	res := Verify(ev)
	if res.MeanConfidence < minConfidence {
		return &ValidationError{
			Rule:    "insufficient_confidence",
			Message: fmt.Sprintf("mean confidence %.2f < required %.2f", res.MeanConfidence, minConfidence),
		}
	}
	for id, s := range res.PerClaim {
		if s.Supports == 0 {
			return &ValidationError{
				Rule:    "missing_support",
				Message: fmt.Sprintf("claim %q has no supporting evidence", id),
			}
		}
	}
	if n := len(ev.Verdicts); n > 0 {
		ratio := float64(res.ContradictedClaims) / float64(n)
		if ratio > ContradictionRatioMax {
			return &ValidationError{
				Rule:    "too_many_contradictions",
				Message: fmt.Sprintf("contradiction ratio %.2f > threshold %.2f", ratio, ContradictionRatioMax),
			}
		}
	}
	return nil
}
