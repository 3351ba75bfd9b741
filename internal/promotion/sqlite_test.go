package promotion

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewSQLiteStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, store.Migrate(context.Background()), "migrate is idempotent")
	return store
}

func TestSQLiteChangeRequestRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupSQLiteStore(t)

	cr := newDraft(t)
	created := newTransition(cr.ID, ActionCreate, "", StageDraft, maker, "", GenesisHash, t0)
	require.NoError(t, store.CreateChangeRequest(ctx, cr, created))

	got, err := store.GetChangeRequest(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, cr.Title, got.Title)
	assert.Equal(t, ChangeWorkflow, got.ChangeType)
	assert.Equal(t, StageDraft, got.Status)
	assert.JSONEq(t, string(cr.ConfigSnapshot), string(got.ConfigSnapshot))
	assert.Nil(t, got.ReviewedBy)
	assert.Nil(t, got.ReviewNotes)
	assert.NotNil(t, got.TestResults)
	assert.True(t, t0.Equal(got.CreatedAt))

	next := got.clone()
	next.Status = StageInReview
	next.ReviewedBy = strPtr("Sarah Kimani")
	next.TestResults = batch(true, false)
	next.UpdatedAt = t0.Add(90 * time.Millisecond)
	tr := newTransition(cr.ID, ActionPickUp, StageDraft, StageInReview, checker, "", created.TransitionHash, next.UpdatedAt)
	require.NoError(t, store.Commit(ctx, Mutation{Request: next, Transition: tr}))
	assert.Equal(t, int64(2), next.Revision)

	got, err = store.GetChangeRequest(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Revision)
	assert.Equal(t, "Sarah Kimani", *got.ReviewedBy)
	require.Len(t, got.TestResults, 2)
	assert.False(t, got.TestResults[1].Passed)
	assert.True(t, next.UpdatedAt.Equal(got.UpdatedAt))

	latest, err := store.LatestTransition(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.ID, latest.ID)
	assert.Equal(t, RoleChecker, latest.ActorRole)

	history, err := store.History(ctx, cr.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.NoError(t, VerifyChain(history))
}

func TestSQLiteMissingRows(t *testing.T) {
	ctx := context.Background()
	store := setupSQLiteStore(t)

	_, err := store.GetChangeRequest(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetVersion(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.LatestTransition(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	history, err := store.History(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSQLitePublishAndDeactivate(t *testing.T) {
	ctx := context.Background()
	store := setupSQLiteStore(t)

	cr := newDraft(t)
	require.NoError(t, store.CreateChangeRequest(ctx, cr, nil))

	v := &PublishedVersion{
		ID:              "v-1",
		ChangeRequestID: cr.ID,
		ChangeType:      cr.ChangeType,
		ServiceID:       cr.ServiceID,
		ConfigSnapshot:  json.RawMessage(`{"stages":[]}`),
		IsActive:        true,
		PublishedBy:     "Sarah Kimani",
		CreatedAt:       t0,
	}
	require.NoError(t, store.Commit(ctx, Mutation{Publish: v}))
	assert.Equal(t, int64(1), v.VersionNumber)

	got, err := store.GetVersion(ctx, "v-1")
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Nil(t, got.DeactivatedAt)
	assert.Nil(t, got.DeactivatedBy)

	off := *got
	off.IsActive = false
	at := t0.Add(time.Hour)
	off.DeactivatedAt = &at
	off.DeactivatedBy = strPtr("Sarah Kimani")
	require.NoError(t, store.Commit(ctx, Mutation{Deactivate: &off}))

	got, err = store.GetVersion(ctx, "v-1")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	require.NotNil(t, got.DeactivatedAt)
	assert.True(t, at.Equal(*got.DeactivatedAt))

	assert.ErrorIs(t, store.Commit(ctx, Mutation{Deactivate: &off}), ErrConcurrentModification)

	missing := off
	missing.ID = "v-404"
	assert.ErrorIs(t, store.Commit(ctx, Mutation{Deactivate: &missing}), ErrNotFound)
}

func TestSQLiteFailedCommitWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := setupSQLiteStore(t)

	cr := newDraft(t)
	require.NoError(t, store.CreateChangeRequest(ctx, cr, nil))

	stale := cr.clone()
	stale.Revision = 7
	stale.Status = StageSubmitted
	tr := newTransition(cr.ID, ActionSubmit, StageDraft, StageSubmitted, maker, "", GenesisHash, t0)
	v := &PublishedVersion{ID: "v-x", ChangeRequestID: cr.ID, ChangeType: ChangeWorkflow, ServiceID: "general",
		ConfigSnapshot: json.RawMessage(`{}`), IsActive: true, PublishedBy: "x", CreatedAt: t0}

	err := store.Commit(ctx, Mutation{Request: stale, Transition: tr, Publish: v})
	require.ErrorIs(t, err, ErrConcurrentModification)
	assert.Equal(t, int64(7), stale.Revision)
	assert.Zero(t, v.VersionNumber)

	history, err := store.History(ctx, cr.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
	versions, err := store.ListVersions(ctx)
	require.NoError(t, err)
	assert.Empty(t, versions)
}
