// Package competition owns competition phase transitions and voting windows.
//
// Every mutation is idempotent: applying an action to a competition that is
// already in the target state succeeds without a write and reports changed=false.
package competition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/pkg/logger"
)

// Store reads and writes competitions.
type Store interface {
	GetCompetition(ctx context.Context, id string) (model.Competition, error)
	SaveCompetition(ctx context.Context, c model.Competition) error
}

// Authorizer guards mutations.
type Authorizer interface {
	Require(ctx context.Context, actor model.Actor, competitionID, name string) error
}

// Service applies guarded phase changes.
type Service struct {
	store  Store
	auth   Authorizer
	perm   string
	clock  func() time.Time
	logger logger.Logger

	// serializes read-modify-write per competition
	locks sync.Map
}

// NewService creates a competition service. perm is the permission required to mutate.
func NewService(store Store, auth Authorizer, perm string, opts ...Option) *Service {
	s := &Service{store: store, auth: auth, perm: perm, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("competition")
	}
	return s
}

// Get returns a competition.
func (s *Service) Get(ctx context.Context, id string) (model.Competition, error) {
	return s.store.GetCompetition(ctx, id)
}

// OpenVoting moves a DRAFT or CLOSED competition to OPEN.
func (s *Service) OpenVoting(ctx context.Context, actor model.Actor, competitionID string) (bool, error) {
	return s.mutate(ctx, actor, competitionID, "open voting", func(c *model.Competition) (bool, error) {
		switch c.Phase {
		case model.PhaseOpen:
			return false, nil
		case model.PhaseDraft, model.PhaseClosed:
			c.Phase = model.PhaseOpen
			return true, nil
		default:
			return false, fmt.Errorf("open from %s: %w", c.Phase, model.ErrInvalidTransition)
		}
	})
}

// CloseVoting moves a DRAFT or OPEN competition to CLOSED. Closing a closed
// or published competition is a no-op.
func (s *Service) CloseVoting(ctx context.Context, actor model.Actor, competitionID string) (bool, error) {
	return s.mutate(ctx, actor, competitionID, "close voting", func(c *model.Competition) (bool, error) {
		switch c.Phase {
		case model.PhaseClosed, model.PhasePublished:
			return false, nil
		default:
			c.Phase = model.PhaseClosed
			return true, nil
		}
	})
}

// PublishResults moves a CLOSED competition to PUBLISHED.
func (s *Service) PublishResults(ctx context.Context, actor model.Actor, competitionID string) (bool, error) {
	return s.mutate(ctx, actor, competitionID, "publish results", func(c *model.Competition) (bool, error) {
		switch c.Phase {
		case model.PhasePublished:
			return false, nil
		case model.PhaseClosed:
			c.Phase = model.PhasePublished
			return true, nil
		default:
			return false, fmt.Errorf("publish from %s: %w", c.Phase, model.ErrInvalidTransition)
		}
	})
}

// SetVotingWindow replaces the voting window. Nil bounds are open-ended.
func (s *Service) SetVotingWindow(ctx context.Context, actor model.Actor, competitionID string, opensAt, closesAt *time.Time) (bool, error) {
	if opensAt != nil && closesAt != nil && !closesAt.After(*opensAt) {
		return false, fmt.Errorf("window closes before it opens: %w", model.ErrInvalidValue)
	}
	return s.mutate(ctx, actor, competitionID, "set voting window", func(c *model.Competition) (bool, error) {
		if sameTime(c.VotingOpensAt, opensAt) && sameTime(c.VotingClosesAt, closesAt) {
			return false, nil
		}
		c.VotingOpensAt = utc(opensAt)
		c.VotingClosesAt = utc(closesAt)
		return true, nil
	})
}

func (s *Service) mutate(ctx context.Context, actor model.Actor, competitionID, op string, apply func(*model.Competition) (bool, error)) (bool, error) {
	if err := s.auth.Require(ctx, actor, competitionID, s.perm); err != nil {
		return false, err
	}

	mu, _ := s.locks.LoadOrStore(competitionID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	c, err := s.store.GetCompetition(ctx, competitionID)
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", op, competitionID, err)
	}
	changed, err := apply(&c)
	if err != nil || !changed {
		return false, err
	}
	c.UpdatedAt = s.clock().UTC()
	if err := s.store.SaveCompetition(ctx, c); err != nil {
		return false, fmt.Errorf("%s %s: save: %w", op, competitionID, err)
	}
	s.logger.Info(ctx, "competition updated",
		logger.String("competition", competitionID),
		logger.String("op", op),
		logger.String("phase", string(c.Phase)),
		logger.String("by", actor.ID))
	return true, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
