package scoring

import (
	"fmt"
	"sort"
	"strings"

	"github.com/okian/verdict/internal/domain/model"
)

// Policy combines several voters' values for one criterion into one.
type Policy string

const (
	PolicyMean   Policy = "mean"
	PolicyMedian Policy = "median"
	PolicySum    Policy = "sum"
	PolicyLatest Policy = "latest"
)

// ParsePolicy parses a policy name. Empty means mean.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyMean, nil
	case PolicyMean, PolicyMedian, PolicySum, PolicyLatest:
		return p, nil
	default:
		return "", fmt.Errorf("aggregation policy %q: %w", s, model.ErrInvalidConfig)
	}
}

// Combine reduces facts to one value. facts must not be empty.
func (p Policy) Combine(facts []model.ScoreFact) float64 {
	switch p {
	case PolicySum:
		var sum float64
		for _, f := range facts {
			sum += f.Value
		}
		return sum
	case PolicyMedian:
		vals := make([]float64, len(facts))
		for i, f := range facts {
			vals[i] = f.Value
		}
		sort.Float64s(vals)
		mid := len(vals) / 2
		if len(vals)%2 == 1 {
			return vals[mid]
		}
		return (vals[mid-1] + vals[mid]) / 2
	case PolicyLatest:
		latest := facts[0]
		for _, f := range facts[1:] {
			if !f.SubmittedAt.Before(latest.SubmittedAt) {
				latest = f
			}
		}
		return latest.Value
	default:
		var sum float64
		for _, f := range facts {
			sum += f.Value
		}
		return sum / float64(len(facts))
	}
}
