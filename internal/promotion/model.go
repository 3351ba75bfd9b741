package promotion

import (
	"encoding/json"
	"time"
)

// Actor is an authenticated user acting in one role.
type Actor struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
}

type TestResult struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Passed  bool      `json:"passed"`
	Details string    `json:"details"`
	RunAt   time.Time `json:"run_at"`
}

// ChangeRequest is a proposed configuration change moving through
// maker-checker review. Revision increases on every committed write and is
// used for optimistic locking.
type ChangeRequest struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	ChangeType     ChangeType      `json:"change_type"`
	ServiceID      string          `json:"service_id"`
	ConfigSnapshot json.RawMessage `json:"config_snapshot"`
	Status         Stage           `json:"status"`
	SubmittedBy    string          `json:"submitted_by"`
	ReviewedBy     *string         `json:"reviewed_by,omitempty"`
	ReviewNotes    *string         `json:"review_notes,omitempty"`
	TestResults    []TestResult    `json:"test_results"`
	Revision       int64           `json:"revision"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// PublishedVersion is the immutable record of one publish. Only IsActive
// and the deactivation fields ever change, via rollback.
type PublishedVersion struct {
	ID              string          `json:"id"`
	ChangeRequestID string          `json:"change_request_id"`
	VersionNumber   int64           `json:"version_number"`
	ChangeType      ChangeType      `json:"change_type"`
	ServiceID       string          `json:"service_id"`
	ConfigSnapshot  json.RawMessage `json:"config_snapshot"`
	IsActive        bool            `json:"is_active"`
	PublishedBy     string          `json:"published_by"`
	CreatedAt       time.Time       `json:"created_at"`
	DeactivatedAt   *time.Time      `json:"deactivated_at,omitempty"`
	DeactivatedBy   *string         `json:"deactivated_by,omitempty"`
}

// StateTransition is one entry in a change request's hash-chained history.
type StateTransition struct {
	ID              string    `json:"id"`
	ChangeRequestID string    `json:"change_request_id"`
	Action          Action    `json:"action"`
	FromStage       Stage     `json:"from_stage"`
	ToStage         Stage     `json:"to_stage"`
	Actor           string    `json:"actor"`
	ActorRole       Role      `json:"actor_role"`
	Notes           string    `json:"notes"`
	PrevHash        string    `json:"prev_hash"`
	TransitionHash  string    `json:"transition_hash"`
	CreatedAt       time.Time `json:"created_at"`
}

func (cr *ChangeRequest) clone() *ChangeRequest {
	c := *cr
	c.ConfigSnapshot = append(json.RawMessage(nil), cr.ConfigSnapshot...)
	c.TestResults = make([]TestResult, len(cr.TestResults))
	copy(c.TestResults, cr.TestResults)
	if cr.ReviewedBy != nil {
		v := *cr.ReviewedBy
		c.ReviewedBy = &v
	}
	if cr.ReviewNotes != nil {
		v := *cr.ReviewNotes
		c.ReviewNotes = &v
	}
	return &c
}

func strPtr(s string) *string { return &s }
