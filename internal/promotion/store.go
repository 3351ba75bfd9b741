package promotion

import (
	"context"
)

// Mutation is everything one transition writes. A Store applies it in a
// single transaction or not at all.
type Mutation struct {
	// Request is the new state of the change request. Its Revision must
	// equal the stored revision; on success the store increments it.
	Request *ChangeRequest
	// Transition is appended to the request's history.
	Transition *StateTransition
	// Publish is inserted with the next global version number, which the
	// store writes back into VersionNumber.
	Publish *PublishedVersion
	// Deactivate must still be active in the store.
	Deactivate *PublishedVersion
}

type ListFilter struct {
	Status    Stage
	ServiceID string
	Limit     int
	Offset    int
}

// Store persists change requests, their history and published versions.
// Writes that lose an optimistic-lock race return ErrConcurrentModification.
type Store interface {
	CreateChangeRequest(ctx context.Context, cr *ChangeRequest, t *StateTransition) error
	GetChangeRequest(ctx context.Context, id string) (*ChangeRequest, error)
	ListChangeRequests(ctx context.Context, filter ListFilter) ([]*ChangeRequest, error)

	GetVersion(ctx context.Context, id string) (*PublishedVersion, error)
	ListVersions(ctx context.Context) ([]*PublishedVersion, error)

	LatestTransition(ctx context.Context, changeRequestID string) (*StateTransition, error)
	History(ctx context.Context, changeRequestID string) ([]*StateTransition, error)

	Commit(ctx context.Context, m Mutation) error
}
