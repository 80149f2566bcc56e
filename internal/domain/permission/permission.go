// Package permission resolves two-tier admin grants and administers them.
//
// Resolution is a pure function of a Snapshot: SUPER_ADMIN always passes, an
// explicit competition-scoped value wins over an explicit global value, and
// anything not granted is denied.
package permission

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/pkg/logger"
)

// Permission names.
const (
	ManageJudges      = "canManageJudges"
	ManageVoting      = "canManageVoting"
	ManageReports     = "canManageReports"
	ManageAutomation  = "canManageAutomation"
	ManagePermissions = "canManagePermissions"
	ManageCategories  = "canManageCategories"
)

var known = map[string]struct{}{
	ManageJudges: {}, ManageVoting: {}, ManageReports: {},
	ManageAutomation: {}, ManagePermissions: {}, ManageCategories: {},
}

// All returns every permission name in a stable order.
func All() []string {
	return []string{ManageJudges, ManageVoting, ManageReports, ManageAutomation, ManagePermissions, ManageCategories}
}

// Known reports whether name is a recognised permission.
func Known(name string) bool {
	_, ok := known[name]
	return ok
}

// Snapshot is everything needed to resolve one admin's permissions.
type Snapshot struct {
	AdminID string
	Role    model.Role
	Global  map[string]bool
	// Scoped is keyed by competition id.
	Scoped map[string]map[string]bool
}

// Authorize resolves name for the snapshot's admin within competitionID.
// An empty competitionID resolves against global grants only.
func Authorize(s Snapshot, competitionID, name string) bool {
	if s.Role == model.RoleSuperAdmin {
		return true
	}
	if competitionID != "" {
		if v, ok := s.Scoped[competitionID][name]; ok {
			return v
		}
	}
	if v, ok := s.Global[name]; ok {
		return v
	}
	return false
}

// GrantStore persists admins and their grants. Missing grants are returned
// as empty values, not errors.
type GrantStore interface {
	GetAdmin(ctx context.Context, adminID string) (model.Admin, error)
	GlobalGrant(ctx context.Context, adminID string) (model.GlobalGrant, error)
	CompetitionGrant(ctx context.Context, adminID, competitionID string) (model.CompetitionGrant, error)
	SaveGlobalGrant(ctx context.Context, g model.GlobalGrant) error
	SaveCompetitionGrant(ctx context.Context, g model.CompetitionGrant) error
}

// Service loads snapshots from a GrantStore and guards grant administration.
type Service struct {
	store  GrantStore
	logger logger.Logger
}

// NewService creates a permission service.
func NewService(store GrantStore, opts ...Option) *Service {
	s := &Service{store: store}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("permission")
	}
	return s
}

// Snapshot loads the role and grants that apply to adminID in competitionID.
func (s *Service) Snapshot(ctx context.Context, adminID, competitionID string) (Snapshot, error) {
	snap := Snapshot{AdminID: adminID}
	admin, err := s.store.GetAdmin(ctx, adminID)
	switch {
	case err == nil:
		snap.Role = admin.Role
	case errors.Is(err, model.ErrNotFound):
	default:
		return Snapshot{}, fmt.Errorf("load admin %s: %w", adminID, err)
	}
	if snap.Role == model.RoleSuperAdmin {
		return snap, nil
	}

	global, err := s.store.GlobalGrant(ctx, adminID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load global grant %s: %w", adminID, err)
	}
	snap.Global = global.Permissions

	if competitionID != "" {
		scoped, err := s.store.CompetitionGrant(ctx, adminID, competitionID)
		if err != nil {
			return Snapshot{}, fmt.Errorf("load competition grant %s/%s: %w", adminID, competitionID, err)
		}
		snap.Scoped = map[string]map[string]bool{competitionID: scoped.Permissions}
	}
	return snap, nil
}

// Authorize reports whether actor holds name within competitionID.
func (s *Service) Authorize(ctx context.Context, actor model.Actor, competitionID, name string) (bool, error) {
	if actor.Role == model.RoleSuperAdmin {
		return true, nil
	}
	if actor.ID == "" {
		return false, nil
	}
	snap, err := s.Snapshot(ctx, actor.ID, competitionID)
	if err != nil {
		return false, err
	}
	return Authorize(snap, competitionID, name), nil
}

// Require returns model.ErrDenied unless actor holds name within competitionID.
func (s *Service) Require(ctx context.Context, actor model.Actor, competitionID, name string) error {
	ok, err := s.Authorize(ctx, actor, competitionID, name)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debug(ctx, "permission denied",
			logger.String("admin", actor.ID),
			logger.String("competition", competitionID),
			logger.String("permission", name))
		return fmt.Errorf("%s in %q: %w", name, competitionID, model.ErrDenied)
	}
	return nil
}

// SetGlobalGrant replaces adminID's global grant.
func (s *Service) SetGlobalGrant(ctx context.Context, actor model.Actor, adminID string, perms map[string]bool) error {
	if err := s.guard(ctx, actor, adminID, ""); err != nil {
		return err
	}
	if err := validateNames(perms); err != nil {
		return err
	}
	if err := s.store.SaveGlobalGrant(ctx, model.GlobalGrant{AdminID: adminID, Permissions: maps.Clone(perms)}); err != nil {
		return fmt.Errorf("save global grant: %w", err)
	}
	s.logger.Info(ctx, "global grant updated", logger.String("admin", adminID), logger.String("by", actor.ID))
	return nil
}

// SetCompetitionGrant replaces adminID's grant scoped to competitionID.
func (s *Service) SetCompetitionGrant(ctx context.Context, actor model.Actor, adminID, competitionID string, perms map[string]bool) error {
	if err := s.guard(ctx, actor, adminID, competitionID); err != nil {
		return err
	}
	if err := validateNames(perms); err != nil {
		return err
	}
	g := model.CompetitionGrant{AdminID: adminID, CompetitionID: competitionID, Permissions: maps.Clone(perms)}
	if err := s.store.SaveCompetitionGrant(ctx, g); err != nil {
		return fmt.Errorf("save competition grant: %w", err)
	}
	s.logger.Info(ctx, "competition grant updated",
		logger.String("admin", adminID),
		logger.String("competition", competitionID),
		logger.String("by", actor.ID))
	return nil
}

// SetCompetitionPermission sets one explicit scoped value, keeping the others.
// Applying the same value twice leaves the grant unchanged.
func (s *Service) SetCompetitionPermission(ctx context.Context, actor model.Actor, adminID, competitionID, name string, value bool) error {
	if err := s.guard(ctx, actor, adminID, competitionID); err != nil {
		return err
	}
	if !Known(name) {
		return fmt.Errorf("permission %q: %w", name, model.ErrInvalidValue)
	}
	current, err := s.store.CompetitionGrant(ctx, adminID, competitionID)
	if err != nil {
		return fmt.Errorf("load competition grant: %w", err)
	}
	if v, ok := current.Permissions[name]; ok && v == value {
		return nil
	}
	perms := maps.Clone(current.Permissions)
	if perms == nil {
		perms = make(map[string]bool, 1)
	}
	perms[name] = value
	g := model.CompetitionGrant{AdminID: adminID, CompetitionID: competitionID, Permissions: perms}
	if err := s.store.SaveCompetitionGrant(ctx, g); err != nil {
		return fmt.Errorf("save competition grant: %w", err)
	}
	return nil
}

// guard checks the caller may manage permissions in scope and is not editing
// their own grants without being SUPER_ADMIN.
func (s *Service) guard(ctx context.Context, actor model.Actor, target, competitionID string) error {
	if actor.Role == model.RoleSuperAdmin {
		return nil
	}
	snap, err := s.Snapshot(ctx, actor.ID, competitionID)
	if err != nil {
		return err
	}
	if snap.Role == model.RoleSuperAdmin {
		return nil
	}
	if target == actor.ID {
		return fmt.Errorf("self escalation by %s: %w", actor.ID, model.ErrDenied)
	}
	if !Authorize(snap, competitionID, ManagePermissions) {
		return fmt.Errorf("%s: %w", ManagePermissions, model.ErrDenied)
	}
	return nil
}

func validateNames(perms map[string]bool) error {
	for name := range perms {
		if !Known(name) {
			return fmt.Errorf("permission %q: %w", name, model.ErrInvalidValue)
		}
	}
	return nil
}
