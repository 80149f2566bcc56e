package loadgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
)

const randomFloatDivisor = 1000000

// performance bands: [min, width) as fractions of the max score
var bands = [][2]float64{
	{0.3, 0.4},
	{0.7, 0.2},
	{0.01, 0.29},
	{0.9, 0.1},
	{0.0, 1.0},
}

func randomInt(n int) int {
	v, _ := rand.Int(rand.Reader, big.NewInt(int64(n)))
	return int(v.Int64())
}

func randomFloat() float64 {
	return float64(randomInt(randomFloatDivisor)) / randomFloatDivisor
}

// Generate draws cfg.Submissions public votes. Each participant gets a fixed
// performance band so rankings come out spread rather than flat.
func Generate(cfg *Config) []Submission {
	criteria := make([]string, 0, len(cfg.Criteria))
	for id := range cfg.Criteria {
		criteria = append(criteria, id)
	}
	sort.Strings(criteria)

	band := make(map[string][2]float64, len(cfg.Participants))
	for _, p := range cfg.Participants {
		band[p] = bands[randomInt(len(bands))]
	}

	out := make([]Submission, cfg.Submissions)
	for i := range out {
		p := cfg.Participants[randomInt(len(cfg.Participants))]
		b := band[p]
		v := (b[0] + randomFloat()*b[1]) * cfg.MaxScore
		if v > cfg.MaxScore {
			v = cfg.MaxScore
		}
		out[i] = Submission{
			VoterID:       fmt.Sprintf("voter-%d", randomInt(cfg.Voters)),
			ParticipantID: p,
			CriterionID:   criteria[randomInt(len(criteria))],
			Value:         v,
		}
	}
	return out
}

// Expected computes weighted totals the way the service does under the mean
// policy: the last vote per voter counts, criteria average their votes and
// the total is the weighted average of scored criteria.
func Expected(cfg *Config, subs []Submission) map[string]float64 {
	type key struct{ voter, participant, criterion string }
	latest := make(map[key]float64)
	for _, s := range subs {
		latest[key{s.VoterID, s.ParticipantID, s.CriterionID}] = s.Value
	}

	type acc struct {
		sum float64
		n   int
	}
	per := make(map[string]map[string]*acc)
	for k, v := range latest {
		m := per[k.participant]
		if m == nil {
			m = make(map[string]*acc)
			per[k.participant] = m
		}
		a := m[k.criterion]
		if a == nil {
			a = &acc{}
			m[k.criterion] = a
		}
		a.sum += v
		a.n++
	}

	out := make(map[string]float64, len(per))
	for p, m := range per {
		var total, weights float64
		for c, a := range m {
			w := cfg.Criteria[c]
			total += w * a.sum / float64(a.n)
			weights += w
		}
		if weights > 0 {
			out[p] = total / weights
		}
	}
	return out
}
