package actions

import (
	"sync"
	"time"

	"github.com/talentframe/interview-agent/internal/flow"
)

// AssessmentRecord is one skill judgment written by a handler.
type AssessmentRecord struct {
	Skill       string        `json:"skill"`
	Proficiency string        `json:"proficiency"`
	Confidence  float64       `json:"confidence"`
	Insight     string        `json:"insight"`
	Timestamp   time.Time     `json:"timestamp"`
	Duration    time.Duration `json:"duration"`
}

// SessionState is the per-session mutable state handlers operate on. It is
// owned by exactly one session; handlers receive it through the Invocation
// and must not retain it.
type SessionState struct {
	SessionID string

	mu          sync.Mutex
	currentNode string
	assessments []AssessmentRecord
	running     bool
	startedAt   time.Time
	budget      time.Duration
}

// NewSessionState creates session state with the given id and total
// interview time budget.
func NewSessionState(sessionID string, budget time.Duration) *SessionState {
	return &SessionState{SessionID: sessionID, budget: budget}
}

// CurrentNode returns the active node identifier.
func (s *SessionState) CurrentNode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentNode
}

// SetCurrentNode records a confirmed transition.
func (s *SessionState) SetCurrentNode(node string) {
	s.mu.Lock()
	s.currentNode = node
	s.mu.Unlock()
}

// Running reports whether the pipeline is live.
func (s *SessionState) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetRunning marks pipeline start/stop; start also stamps the clock used for
// the remaining-time fallback.
func (s *SessionState) SetRunning(on bool) {
	s.mu.Lock()
	s.running = on
	if on && s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
	s.mu.Unlock()
}

// RecordAssessment appends to the assessment log. The log is append-only;
// repeated assessments of one skill each get their own entry.
func (s *SessionState) RecordAssessment(rec AssessmentRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	s.mu.Lock()
	s.assessments = append(s.assessments, rec)
	s.mu.Unlock()
}

// Assessments returns a copy of the assessment log in append order.
func (s *SessionState) Assessments() []AssessmentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AssessmentRecord, len(s.assessments))
	copy(out, s.assessments)
	return out
}

// Assessed reports whether a skill already appears in the log, compared by
// normalized name.
func (s *SessionState) Assessed(skill string) bool {
	want := flow.NormalizeSkill(skill)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.assessments {
		if flow.NormalizeSkill(rec.Skill) == want {
			return true
		}
	}
	return false
}

// RemainingMinutes estimates interview time left from the session clock.
// Used when the LLM does not supply its own estimate.
func (s *SessionState) RemainingMinutes() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() || s.budget <= 0 {
		return s.budget.Minutes()
	}
	left := s.budget - time.Since(s.startedAt)
	if left < 0 {
		return 0
	}
	return left.Minutes()
}
