package promotion

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	maker   = Actor{Name: "Jane Mwangi", Role: RoleMaker}
	checker = Actor{Name: "Sarah Kimani", Role: RoleChecker}
	t0      = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

func newDraft(t *testing.T) *ChangeRequest {
	t.Helper()
	cr, err := NewChangeRequest(maker, Draft{
		Title:          "Lower cash withdrawal floor",
		ChangeType:     ChangeWorkflow,
		ServiceID:      "cash-withdrawal",
		ConfigSnapshot: json.RawMessage(`{"stages":[{"id":"input","enabled":true}]}`),
	}, t0)
	require.NoError(t, err)
	return cr
}

func mustApply(t *testing.T, cr *ChangeRequest, actor Actor, cmd Command) *Outcome {
	t.Helper()
	out, err := Apply(cr, actor, cmd, t0.Add(time.Minute))
	require.NoError(t, err, "action %s from %s", cmd.Action, cr.Status)
	return out
}

func batch(passed ...bool) []TestResult {
	out := make([]TestResult, len(passed))
	for i, p := range passed {
		out[i] = TestResult{ID: string(rune('a' + i)), Name: "check", Passed: p, RunAt: t0}
	}
	return out
}

func TestNewChangeRequest(t *testing.T) {
	cr := newDraft(t)
	assert.Equal(t, StageDraft, cr.Status)
	assert.Equal(t, "Jane Mwangi", cr.SubmittedBy)
	assert.Equal(t, int64(1), cr.Revision)
	assert.NotNil(t, cr.TestResults)
	assert.Empty(t, cr.TestResults)
	assert.Nil(t, cr.ReviewedBy)

	t.Run("defaults", func(t *testing.T) {
		cr, err := NewChangeRequest(maker, Draft{Title: "New endpoint", ChangeType: ChangeAPI}, t0)
		require.NoError(t, err)
		assert.Equal(t, DefaultServiceID, cr.ServiceID)
		assert.JSONEq(t, `{}`, string(cr.ConfigSnapshot))
	})

	t.Run("checker cannot create", func(t *testing.T) {
		_, err := NewChangeRequest(checker, Draft{Title: "x", ChangeType: ChangeAPI}, t0)
		var forbidden *ForbiddenTransitionError
		require.ErrorAs(t, err, &forbidden)
		assert.Equal(t, ActionCreate, forbidden.Action)
	})

	invalid := []struct {
		name  string
		draft Draft
		field string
	}{
		{"blank title", Draft{Title: "  ", ChangeType: ChangeAPI}, "title"},
		{"unknown type", Draft{Title: "x", ChangeType: "batch"}, "change_type"},
		{"bad snapshot", Draft{Title: "x", ChangeType: ChangeAPI, ConfigSnapshot: json.RawMessage(`{"a":`)}, "config_snapshot"},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewChangeRequest(maker, tc.draft, t0)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestAuthorizeGrid(t *testing.T) {
	allowed := map[Stage]map[Role][]Action{
		StageDraft:     {RoleMaker: {ActionSubmit}},
		StageSubmitted: {RoleChecker: {ActionPickUp}},
		StageInReview:  {RoleChecker: {ActionRunTests, ActionApprove, ActionReject}},
		StageTesting:   {RoleChecker: {ActionRunTests, ActionApprove, ActionReject}},
		StageApproved:  {RoleChecker: {ActionPublish}},
		StageRejected:  {RoleMaker: {ActionResubmit}},
		StagePublished: {},
	}

	for stage, byRole := range allowed {
		for _, role := range []Role{RoleMaker, RoleChecker} {
			assert.Equal(t, byRole[role], AvailableActions(stage, role), "%s as %s", stage, role)

			for _, action := range actionOrder {
				err := Authorize("cr-1", stage, role, action)
				if contains(byRole[role], action) {
					assert.NoError(t, err)
					continue
				}
				require.Error(t, err, "%s as %s from %s", action, role, stage)
				if rules[action].role != role {
					var forbidden *ForbiddenTransitionError
					assert.ErrorAs(t, err, &forbidden, "role is checked before stage")
				} else {
					var invalid *InvalidTransitionError
					require.ErrorAs(t, err, &invalid)
					assert.Equal(t, string(stage), invalid.State)
				}
			}
		}
	}
}

func contains(actions []Action, a Action) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

func TestWrongRoleOnWrongStageIsForbidden(t *testing.T) {
	// publish by a maker on a draft fails on role, not on stage
	err := Authorize("cr-1", StageDraft, RoleMaker, ActionPublish)
	var forbidden *ForbiddenTransitionError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, RoleChecker, forbidden.Required)
	assert.Equal(t, RoleMaker, forbidden.Role)
}

func TestApplyHappyPath(t *testing.T) {
	cr := newDraft(t)

	cr = mustApply(t, cr, maker, Command{Action: ActionSubmit}).Request
	assert.Equal(t, StageSubmitted, cr.Status)

	cr = mustApply(t, cr, checker, Command{Action: ActionPickUp}).Request
	assert.Equal(t, StageInReview, cr.Status)
	require.NotNil(t, cr.ReviewedBy)
	assert.Equal(t, "Sarah Kimani", *cr.ReviewedBy)

	cr = mustApply(t, cr, checker, Command{Action: ActionRunTests, Results: batch(true, true, true)}).Request
	assert.Equal(t, StageTesting, cr.Status)
	assert.Len(t, cr.TestResults, 3)

	out := mustApply(t, cr, checker, Command{Action: ActionApprove})
	cr = out.Request
	assert.Equal(t, StageApproved, cr.Status)
	require.NotNil(t, cr.ReviewNotes)
	assert.Equal(t, DefaultApproveNotes, *cr.ReviewNotes)
	assert.Equal(t, DefaultApproveNotes, out.Notes)

	out = mustApply(t, cr, checker, Command{Action: ActionPublish})
	assert.Equal(t, StagePublished, out.Request.Status)
	assert.Equal(t, StageApproved, out.From)
	require.NotNil(t, out.Version)
	assert.True(t, out.Version.IsActive)
	assert.Equal(t, cr.ID, out.Version.ChangeRequestID)
	assert.Equal(t, "cash-withdrawal", out.Version.ServiceID)
	assert.Equal(t, "Sarah Kimani", out.Version.PublishedBy)
	assert.JSONEq(t, string(cr.ConfigSnapshot), string(out.Version.ConfigSnapshot))

	for _, a := range actionOrder {
		assert.Error(t, Authorize(cr.ID, StagePublished, RoleChecker, a), "published is terminal for %s", a)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	cr := newDraft(t)
	out := mustApply(t, cr, maker, Command{Action: ActionSubmit})
	assert.Equal(t, StageDraft, cr.Status)
	assert.Equal(t, t0, cr.UpdatedAt)
	assert.Equal(t, StageSubmitted, out.Request.Status)
	assert.Equal(t, t0.Add(time.Minute), out.Request.UpdatedAt)
}

func TestRejectThenResubmitKeepsResults(t *testing.T) {
	cr := newDraft(t)
	cr = mustApply(t, cr, maker, Command{Action: ActionSubmit}).Request
	cr = mustApply(t, cr, checker, Command{Action: ActionPickUp}).Request
	cr = mustApply(t, cr, checker, Command{Action: ActionRunTests, Results: batch(true, false, true)}).Request
	cr = mustApply(t, cr, checker, Command{Action: ActionRunTests, Results: batch(true, true, true)}).Request
	require.Len(t, cr.TestResults, 6)

	out := mustApply(t, cr, checker, Command{Action: ActionReject, Notes: "mapping drops the branch code"})
	cr = out.Request
	assert.Equal(t, StageRejected, cr.Status)
	assert.Equal(t, StageTesting, out.From)
	assert.Equal(t, "mapping drops the branch code", *cr.ReviewNotes)

	cr = mustApply(t, cr, maker, Command{Action: ActionResubmit}).Request
	assert.Equal(t, StageSubmitted, cr.Status)
	assert.Len(t, cr.TestResults, 6)
}

func TestRejectDefaultNotes(t *testing.T) {
	cr := newDraft(t)
	cr = mustApply(t, cr, maker, Command{Action: ActionSubmit}).Request
	cr = mustApply(t, cr, checker, Command{Action: ActionPickUp}).Request
	cr = mustApply(t, cr, checker, Command{Action: ActionReject, Notes: "   "}).Request
	assert.Equal(t, DefaultRejectNotes, *cr.ReviewNotes)
}

func TestRunTestsRequiresResults(t *testing.T) {
	cr := newDraft(t)
	cr = mustApply(t, cr, maker, Command{Action: ActionSubmit}).Request
	cr = mustApply(t, cr, checker, Command{Action: ActionPickUp}).Request
	_, err := Apply(cr, checker, Command{Action: ActionRunTests}, t0)
	assert.ErrorIs(t, err, errEmptyBatch)
}

func TestUnknownActionIsInvalid(t *testing.T) {
	cr := newDraft(t)
	_, err := Apply(cr, maker, Command{Action: "escalate"}, t0)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "draft", invalid.State)
}

func TestRollback(t *testing.T) {
	cr := newDraft(t)
	cr.Status = StagePublished
	v := &PublishedVersion{ID: "v-1", ChangeRequestID: cr.ID, VersionNumber: 4, IsActive: true}
	now := t0.Add(time.Hour)

	t.Run("maker is forbidden", func(t *testing.T) {
		_, err := Rollback(v, cr, maker, now)
		var forbidden *ForbiddenTransitionError
		assert.ErrorAs(t, err, &forbidden)
	})

	t.Run("deactivates and rejects", func(t *testing.T) {
		out, err := Rollback(v, cr, checker, now)
		require.NoError(t, err)
		assert.True(t, v.IsActive, "input version untouched")

		assert.False(t, out.Version.IsActive)
		require.NotNil(t, out.Version.DeactivatedAt)
		assert.Equal(t, now, *out.Version.DeactivatedAt)
		assert.Equal(t, "Sarah Kimani", *out.Version.DeactivatedBy)

		require.NotNil(t, out.Request)
		assert.Equal(t, StageRejected, out.Request.Status)
		assert.Equal(t, StagePublished, out.From)
		assert.Equal(t, RollbackNotes, *out.Request.ReviewNotes)
	})

	t.Run("missing change request", func(t *testing.T) {
		out, err := Rollback(v, nil, checker, now)
		require.NoError(t, err)
		assert.Nil(t, out.Request)
		assert.False(t, out.Version.IsActive)
	})

	t.Run("inactive version", func(t *testing.T) {
		inactive := *v
		inactive.IsActive = false
		_, err := Rollback(&inactive, cr, checker, now)
		var invalid *InvalidTransitionError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "inactive", invalid.State)
	})
}

func TestParseAction(t *testing.T) {
	for _, s := range []string{"submit", "pick_up", "run_tests", "approve", "reject", "resubmit", "publish", "create", "rollback"} {
		a, ok := ParseAction(s)
		assert.True(t, ok, s)
		assert.Equal(t, Action(s), a)
	}
	_, ok := ParseAction("escalate")
	assert.False(t, ok)
}

func TestErrorsAreDistinguishable(t *testing.T) {
	err := Authorize("cr-9", StageApproved, RoleChecker, ActionSubmit)
	var invalid *InvalidTransitionError
	var forbidden *ForbiddenTransitionError
	assert.False(t, errors.As(err, &invalid))
	assert.True(t, errors.As(err, &forbidden))
	assert.NotEmpty(t, err.Error())
}
