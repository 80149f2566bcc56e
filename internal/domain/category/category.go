// Package category maintains competition category trees.
package category

import (
	"context"
	"fmt"

	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/pkg/logger"
)

// Tree is an immutable view of one competition's categories.
type Tree struct {
	nodes    map[string]model.Category
	children map[string][]string
}

// NewTree indexes cats by id and parent.
func NewTree(cats []model.Category) *Tree {
	t := &Tree{
		nodes:    make(map[string]model.Category, len(cats)),
		children: make(map[string][]string, len(cats)),
	}
	for _, c := range cats {
		t.nodes[c.ID] = c
		if c.ParentID != "" {
			t.children[c.ParentID] = append(t.children[c.ParentID], c.ID)
		}
	}
	return t
}

// Has reports whether id is in the tree.
func (t *Tree) Has(id string) bool {
	_, ok := t.nodes[id]
	return ok
}

// Descendants returns id and every category below it.
func (t *Tree) Descendants(id string) []string {
	if !t.Has(id) {
		return nil
	}
	out := []string{id}
	seen := map[string]struct{}{id: {}}
	for i := 0; i < len(out); i++ {
		for _, child := range t.children[out[i]] {
			if _, dup := seen[child]; dup {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
		}
	}
	return out
}

// Closure returns the set of ids covered by id's subtree.
func (t *Tree) Closure(id string) map[string]struct{} {
	desc := t.Descendants(id)
	set := make(map[string]struct{}, len(desc))
	for _, d := range desc {
		set[d] = struct{}{}
	}
	return set
}

// WouldCycle reports whether making parentID the parent of id creates a cycle.
func (t *Tree) WouldCycle(id, parentID string) bool {
	seen := make(map[string]struct{})
	for cur := parentID; cur != ""; cur = t.nodes[cur].ParentID {
		if cur == id {
			return true
		}
		if _, loop := seen[cur]; loop {
			return true
		}
		seen[cur] = struct{}{}
	}
	return false
}

// Store reads and writes categories.
type Store interface {
	ListCategories(ctx context.Context, competitionID string) ([]model.Category, error)
	SaveCategory(ctx context.Context, c model.Category) error
}

// Authorizer guards mutations.
type Authorizer interface {
	Require(ctx context.Context, actor model.Actor, competitionID, name string) error
}

// Service edits category trees with cycle prevention.
type Service struct {
	store  Store
	auth   Authorizer
	perm   string
	logger logger.Logger
}

// NewService creates a category service. perm is the permission name required to edit.
func NewService(store Store, auth Authorizer, perm string, opts ...Option) *Service {
	s := &Service{store: store, auth: auth, perm: perm}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("category")
	}
	return s
}

// Tree loads the category tree of competitionID.
func (s *Service) Tree(ctx context.Context, competitionID string) (*Tree, error) {
	cats, err := s.store.ListCategories(ctx, competitionID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return NewTree(cats), nil
}

// SetParent re-parents categoryID under parentID. An empty parentID makes it a root.
func (s *Service) SetParent(ctx context.Context, actor model.Actor, competitionID, categoryID, parentID string) error {
	if err := s.auth.Require(ctx, actor, competitionID, s.perm); err != nil {
		return err
	}
	tree, err := s.Tree(ctx, competitionID)
	if err != nil {
		return err
	}
	node, ok := tree.nodes[categoryID]
	if !ok {
		return fmt.Errorf("category %s: %w", categoryID, model.ErrNotFound)
	}
	if parentID != "" && !tree.Has(parentID) {
		return fmt.Errorf("parent category %s: %w", parentID, model.ErrNotFound)
	}
	if node.ParentID == parentID {
		return nil
	}
	if parentID != "" && tree.WouldCycle(categoryID, parentID) {
		return fmt.Errorf("%s under %s: %w", categoryID, parentID, model.ErrCycle)
	}
	node.ParentID = parentID
	if err := s.store.SaveCategory(ctx, node); err != nil {
		return fmt.Errorf("save category: %w", err)
	}
	s.logger.Info(ctx, "category re-parented",
		logger.String("category", categoryID),
		logger.String("parent", parentID),
		logger.String("by", actor.ID))
	return nil
}
