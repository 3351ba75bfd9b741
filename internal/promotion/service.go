package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/teller-assist/pkg/audit"
)

type Auditor interface {
	Append(e audit.Event) *audit.LogEntry
}

type ServiceDeps struct {
	Store   Store
	Runner  TestRunner
	Logger  *slog.Logger
	Auditor Auditor
	// Now defaults to time.Now. Timestamps are truncated to microseconds so
	// they survive a Postgres round trip unchanged.
	Now func() time.Time
}

// Service runs the maker-checker workflow against a Store. Each call is a
// single read-modify-write; a lost race surfaces as
// ErrConcurrentModification and is not retried here.
type Service struct {
	store   Store
	runner  TestRunner
	logger  *slog.Logger
	auditor Auditor
	now     func() time.Time
}

func NewService(deps ServiceDeps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("promotion: store is required")
	}
	if deps.Runner == nil {
		return nil, errors.New("promotion: test runner is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		store:   deps.Store,
		runner:  deps.Runner,
		logger:  deps.Logger,
		auditor: deps.Auditor,
		now:     deps.Now,
	}, nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Create opens a new change request in draft.
func (s *Service) Create(ctx context.Context, actor Actor, d Draft) (*ChangeRequest, error) {
	now := s.clock()
	cr, err := NewChangeRequest(actor, d, now)
	if err != nil {
		return nil, err
	}

	t := newTransition(cr.ID, ActionCreate, "", StageDraft, actor, "", GenesisHash, now)
	if err := s.store.CreateChangeRequest(ctx, cr, t); err != nil {
		return nil, fmt.Errorf("create change request: %w", err)
	}

	s.record(actor, ActionCreate, cr.ID, "", StageDraft)
	return cr, nil
}

func (s *Service) Submit(ctx context.Context, id string, actor Actor) (*ChangeRequest, error) {
	res, err := s.perform(ctx, id, actor, Command{Action: ActionSubmit})
	if err != nil {
		return nil, err
	}
	return res.Request, nil
}

func (s *Service) PickUp(ctx context.Context, id string, actor Actor) (*ChangeRequest, error) {
	res, err := s.perform(ctx, id, actor, Command{Action: ActionPickUp})
	if err != nil {
		return nil, err
	}
	return res.Request, nil
}

// RunTests runs the regression battery and appends its results.
func (s *Service) RunTests(ctx context.Context, id string, actor Actor) (*ChangeRequest, error) {
	res, err := s.perform(ctx, id, actor, Command{Action: ActionRunTests})
	if err != nil {
		return nil, err
	}
	return res.Request, nil
}

func (s *Service) Approve(ctx context.Context, id string, actor Actor, notes string) (*ChangeRequest, error) {
	res, err := s.perform(ctx, id, actor, Command{Action: ActionApprove, Notes: notes})
	if err != nil {
		return nil, err
	}
	return res.Request, nil
}

func (s *Service) Reject(ctx context.Context, id string, actor Actor, notes string) (*ChangeRequest, error) {
	res, err := s.perform(ctx, id, actor, Command{Action: ActionReject, Notes: notes})
	if err != nil {
		return nil, err
	}
	return res.Request, nil
}

func (s *Service) Resubmit(ctx context.Context, id string, actor Actor) (*ChangeRequest, error) {
	res, err := s.perform(ctx, id, actor, Command{Action: ActionResubmit})
	if err != nil {
		return nil, err
	}
	return res.Request, nil
}

// Publish moves an approved change live and returns the new version.
func (s *Service) Publish(ctx context.Context, id string, actor Actor) (*ChangeRequest, *PublishedVersion, error) {
	res, err := s.perform(ctx, id, actor, Command{Action: ActionPublish})
	if err != nil {
		return nil, nil, err
	}
	return res.Request, res.Version, nil
}

// Perform dispatches any change request action by name.
func (s *Service) Perform(ctx context.Context, id string, actor Actor, action Action, notes string) (*Outcome, error) {
	switch action {
	case ActionCreate, ActionRollback:
		cr, err := s.store.GetChangeRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &InvalidTransitionError{ID: id, Action: action, State: string(cr.Status)}
	}
	return s.perform(ctx, id, actor, Command{Action: action, Notes: notes})
}

func (s *Service) perform(ctx context.Context, id string, actor Actor, cmd Command) (*Outcome, error) {
	cr, err := s.store.GetChangeRequest(ctx, id)
	if err != nil {
		return nil, err
	}

	if cmd.Action == ActionRunTests {
		if err := Authorize(cr.ID, cr.Status, actor.Role, cmd.Action); err != nil {
			return nil, err
		}
		results, err := s.runner.Run(ctx, cr)
		if err != nil {
			return nil, fmt.Errorf("run regression suite: %w", err)
		}
		for i := range results {
			results[i].RunAt = results[i].RunAt.UTC().Truncate(time.Microsecond)
		}
		cmd.Results = results
	}

	now := s.clock()
	out, err := Apply(cr, actor, cmd, now)
	if err != nil {
		return nil, err
	}

	t, err := s.nextTransition(ctx, cr.ID, cmd.Action, out.From, out.Request.Status, actor, out.Notes, now)
	if err != nil {
		return nil, err
	}

	m := Mutation{Request: out.Request, Transition: t, Publish: out.Version}
	if err := s.store.Commit(ctx, m); err != nil {
		return nil, err
	}

	s.record(actor, cmd.Action, cr.ID, out.From, out.Request.Status)
	if out.Version != nil {
		s.logger.Info("version published",
			"change_request_id", cr.ID,
			"version_id", out.Version.ID,
			"version_number", out.Version.VersionNumber,
			"service_id", out.Version.ServiceID,
		)
	}
	return out, nil
}

// Rollback deactivates a published version and returns its change request
// to rejected.
func (s *Service) Rollback(ctx context.Context, versionID string, actor Actor) (*PublishedVersion, *ChangeRequest, error) {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, nil, err
	}

	linked, err := s.store.GetChangeRequest(ctx, v.ChangeRequestID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}

	now := s.clock()
	out, err := Rollback(v, linked, actor, now)
	if err != nil {
		return nil, nil, err
	}

	m := Mutation{Deactivate: out.Version}
	if out.Request != nil {
		t, err := s.nextTransition(ctx, out.Request.ID, ActionRollback, out.From, StageRejected, actor, out.Notes, now)
		if err != nil {
			return nil, nil, err
		}
		m.Request = out.Request
		m.Transition = t
	}

	if err := s.store.Commit(ctx, m); err != nil {
		return nil, nil, err
	}

	s.record(actor, ActionRollback, v.ChangeRequestID, out.From, StageRejected)
	s.logger.Info("version rolled back",
		"version_id", v.ID,
		"version_number", v.VersionNumber,
		"by", actor.Name,
	)
	return out.Version, out.Request, nil
}

func (s *Service) nextTransition(ctx context.Context, crID string, action Action, from, to Stage, actor Actor, notes string, now time.Time) (*StateTransition, error) {
	prev := GenesisHash
	latest, err := s.store.LatestTransition(ctx, crID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load latest transition: %w", err)
	}
	if latest != nil {
		prev = latest.TransitionHash
	}
	return newTransition(crID, action, from, to, actor, notes, prev, now), nil
}

func (s *Service) record(actor Actor, action Action, crID string, from, to Stage) {
	s.logger.Info("change request transition",
		"change_request_id", crID,
		"action", string(action),
		"from", string(from),
		"to", string(to),
		"actor", actor.Name,
		"role", string(actor.Role),
	)
	if s.auditor != nil {
		s.auditor.Append(audit.Event{
			Kind:    "promotion",
			Actor:   actor.Name,
			Action:  string(action),
			Subject: crID,
			Outcome: string(to),
			Fields:  map[string]string{"from": string(from), "role": string(actor.Role)},
		})
	}
}

func (s *Service) Get(ctx context.Context, id string) (*ChangeRequest, error) {
	return s.store.GetChangeRequest(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]*ChangeRequest, error) {
	return s.store.ListChangeRequests(ctx, filter)
}

func (s *Service) Versions(ctx context.Context) ([]*PublishedVersion, error) {
	return s.store.ListVersions(ctx)
}

func (s *Service) History(ctx context.Context, id string) ([]*StateTransition, error) {
	if _, err := s.store.GetChangeRequest(ctx, id); err != nil {
		return nil, err
	}
	return s.store.History(ctx, id)
}

// VerifyHistory recomputes the hash chain of a change request's history.
func (s *Service) VerifyHistory(ctx context.Context, id string) error {
	history, err := s.History(ctx, id)
	if err != nil {
		return err
	}
	return VerifyChain(history)
}
