package promotion

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultServiceID    = "general"
	DefaultApproveNotes = "Approved by checker."
	DefaultRejectNotes  = "Rejected."
	RollbackNotes       = "Rolled back from production."
)

// Draft is what a maker supplies to open a change request.
type Draft struct {
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	ChangeType     ChangeType      `json:"change_type"`
	ServiceID      string          `json:"service_id"`
	ConfigSnapshot json.RawMessage `json:"config_snapshot"`
}

// NewChangeRequest opens a change request in draft.
func NewChangeRequest(actor Actor, d Draft, now time.Time) (*ChangeRequest, error) {
	if actor.Role != RoleMaker {
		return nil, &ForbiddenTransitionError{Action: ActionCreate, Role: actor.Role, Required: RoleMaker}
	}
	if strings.TrimSpace(d.Title) == "" {
		return nil, &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if !d.ChangeType.Valid() {
		return nil, &ValidationError{Field: "change_type", Reason: "must be workflow or api"}
	}

	snapshot := d.ConfigSnapshot
	if len(snapshot) == 0 {
		snapshot = json.RawMessage(`{}`)
	}
	if !json.Valid(snapshot) {
		return nil, &ValidationError{Field: "config_snapshot", Reason: "must be valid JSON"}
	}

	serviceID := d.ServiceID
	if serviceID == "" {
		serviceID = DefaultServiceID
	}

	return &ChangeRequest{
		ID:             uuid.NewString(),
		Title:          strings.TrimSpace(d.Title),
		Description:    d.Description,
		ChangeType:     d.ChangeType,
		ServiceID:      serviceID,
		ConfigSnapshot: append(json.RawMessage(nil), snapshot...),
		Status:         StageDraft,
		SubmittedBy:    actor.Name,
		TestResults:    []TestResult{},
		Revision:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Command is one requested action on an existing change request.
type Command struct {
	Action Action
	Notes  string
	// Results is the test batch appended by run_tests.
	Results []TestResult
}

// Outcome is the result of a successful transition. Request and Version
// are new values; the inputs are never modified.
type Outcome struct {
	Request *ChangeRequest
	From    Stage
	Notes   string
	// Version is the version created by publish or deactivated by rollback.
	Version *PublishedVersion
}

var errEmptyBatch = errors.New("run_tests requires at least one result")

// Apply computes the next state of cr for cmd. Nothing is persisted; the
// caller commits the outcome atomically or not at all.
func Apply(cr *ChangeRequest, actor Actor, cmd Command, now time.Time) (*Outcome, error) {
	if err := Authorize(cr.ID, cr.Status, actor.Role, cmd.Action); err != nil {
		return nil, err
	}

	next := cr.clone()
	out := &Outcome{Request: next, From: cr.Status, Notes: cmd.Notes}

	switch cmd.Action {
	case ActionPickUp:
		next.ReviewedBy = strPtr(actor.Name)
	case ActionRunTests:
		if len(cmd.Results) == 0 {
			return nil, errEmptyBatch
		}
		next.TestResults = append(next.TestResults, cmd.Results...)
	case ActionApprove:
		out.Notes = orDefault(cmd.Notes, DefaultApproveNotes)
		next.ReviewNotes = strPtr(out.Notes)
	case ActionReject:
		out.Notes = orDefault(cmd.Notes, DefaultRejectNotes)
		next.ReviewNotes = strPtr(out.Notes)
	case ActionPublish:
		out.Version = &PublishedVersion{
			ID:              uuid.NewString(),
			ChangeRequestID: cr.ID,
			ChangeType:      cr.ChangeType,
			ServiceID:       cr.ServiceID,
			ConfigSnapshot:  append(json.RawMessage(nil), cr.ConfigSnapshot...),
			IsActive:        true,
			PublishedBy:     actor.Name,
			CreatedAt:       now,
		}
	}

	next.Status = rules[cmd.Action].to
	next.UpdatedAt = now
	return out, nil
}

// Rollback deactivates an active version and forces its change request,
// if it still exists, back to rejected.
func Rollback(v *PublishedVersion, linked *ChangeRequest, actor Actor, now time.Time) (*Outcome, error) {
	if actor.Role != RoleChecker {
		return nil, &ForbiddenTransitionError{Action: ActionRollback, Role: actor.Role, Required: RoleChecker}
	}
	if !v.IsActive {
		return nil, &InvalidTransitionError{ID: v.ID, State: "inactive", Action: ActionRollback}
	}

	version := *v
	version.IsActive = false
	version.DeactivatedAt = &now
	version.DeactivatedBy = strPtr(actor.Name)

	out := &Outcome{Version: &version, Notes: RollbackNotes}
	if linked != nil {
		next := linked.clone()
		next.Status = StageRejected
		next.ReviewNotes = strPtr(RollbackNotes)
		next.UpdatedAt = now
		out.Request = next
		out.From = linked.Status
	}
	return out, nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
