// Package loadgen drives a running service with concurrent score
// submissions and checks the resulting ranking.
package loadgen

import "time"

// Config holds the load test settings.
type Config struct {
	BaseURL       string
	CompetitionID string
	RubricID      string
	// Criteria maps criterion id to its weight. Values are drawn in [0, MaxScore].
	Criteria     map[string]float64
	MaxScore     float64
	Participants []string
	Voters       int
	Submissions  int
	Workers      int
	TopN         int
	Timeout      time.Duration
	Settle       time.Duration
	OutputFile   string
	Verbose      bool
}

// Submission is one generated public vote.
type Submission struct {
	VoterID       string  `json:"voterId"`
	ParticipantID string  `json:"participantId"`
	CriterionID   string  `json:"criterionId"`
	Value         float64 `json:"value"`
}

// Entry is the subset of a ranked entry the check needs.
type Entry struct {
	Rank          int     `json:"rank"`
	ParticipantID string  `json:"participantId"`
	WeightedTotal float64 `json:"weightedTotal"`
}

// Stats holds run statistics.
type Stats struct {
	Generated int
	Accepted  int
	Updated   int
	Rejected  int
	Failed    int
	Ranked    int
	StartTime time.Time
	Duration  time.Duration
}
