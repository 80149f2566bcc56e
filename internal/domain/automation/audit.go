package automation

import (
	"sync"
	"time"
)

// Outcome of a rule firing attempt.
type Outcome string

const (
	OutcomeFired  Outcome = "FIRED"
	OutcomeFailed Outcome = "FAILED"
)

// AuditRecord is one firing attempt.
type AuditRecord struct {
	RuleID        string      `json:"ruleId"`
	CompetitionID string      `json:"competitionId"`
	Trigger       TriggerType `json:"trigger"`
	Action        ActionType  `json:"action"`
	Subject       string      `json:"subject,omitempty"`
	Outcome       Outcome     `json:"outcome"`
	Error         string      `json:"error,omitempty"`
	At            time.Time   `json:"at"`
}

// auditLog is a fixed-size ring of the most recent records.
type auditLog struct {
	mu    sync.Mutex
	buf   []AuditRecord
	next  int
	count int
}

func newAuditLog(size int) *auditLog {
	if size <= 0 {
		size = defaultAuditSize
	}
	return &auditLog{buf: make([]AuditRecord, size)}
}

func (a *auditLog) add(r AuditRecord) {
	a.mu.Lock()
	a.buf[a.next] = r
	a.next = (a.next + 1) % len(a.buf)
	if a.count < len(a.buf) {
		a.count++
	}
	a.mu.Unlock()
}

func (a *auditLog) list(competitionID string) []AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditRecord, 0, a.count)
	start := (a.next - a.count + len(a.buf)) % len(a.buf)
	for i := 0; i < a.count; i++ {
		r := a.buf[(start+i)%len(a.buf)]
		if competitionID == "" || r.CompetitionID == competitionID {
			out = append(out, r)
		}
	}
	return out
}
