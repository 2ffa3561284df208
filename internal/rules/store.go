package rules

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
)

// Store is the rule-management contract the engine evaluates against.
//
// Create and Update validate before persisting. CommitState and RecordTrigger
// return ErrRuleNotFound for ids deleted since the caller listed them.
type Store interface {
	ListActiveRules(ctx context.Context, userID string) ([]Rule, error)
	List(ctx context.Context, userID string) ([]Rule, error)
	Get(ctx context.Context, id string) (Rule, error)
	Create(ctx context.Context, r Rule) (Rule, error)
	Update(ctx context.Context, r Rule) (Rule, error)
	Delete(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) (Rule, error)
	CommitState(ctx context.Context, id string, conditionMetSince *time.Time) error
	RecordTrigger(ctx context.Context, id string, at time.Time) error
}

// SeedResult summarizes an ApplySeed call.
type SeedResult struct {
	Added   int
	Updated int
	Removed int
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.RWMutex
	clock  clock.Clock
	rules  map[string]*Rule
	seeded map[string]bool
}

// NewMemoryStore creates an empty store. A nil clock uses the wall clock.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		clock:  clk,
		rules:  make(map[string]*Rule),
		seeded: make(map[string]bool),
	}
}

// ListActiveRules returns the user's active rules ordered by id.
func (s *MemoryStore) ListActiveRules(ctx context.Context, userID string) ([]Rule, error) {
	return s.list(ctx, userID, true)
}

// List returns all of the user's rules ordered by id. An empty userID lists every rule.
func (s *MemoryStore) List(ctx context.Context, userID string) ([]Rule, error) {
	return s.list(ctx, userID, false)
}

func (s *MemoryStore) list(ctx context.Context, userID string, activeOnly bool) ([]Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Rule, 0)
	for _, r := range s.rules {
		if userID != "" && r.UserID != userID {
			continue
		}
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns one rule.
func (s *MemoryStore) Get(ctx context.Context, id string) (Rule, error) {
	if err := ctx.Err(); err != nil {
		return Rule{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return Rule{}, ErrRuleNotFound
	}
	return r.Clone(), nil
}

// Create validates and stores a new rule. An empty ID is assigned a UUID.
// Engine state on the input is discarded.
func (s *MemoryStore) Create(ctx context.Context, r Rule) (Rule, error) {
	if err := ctx.Err(); err != nil {
		return Rule{}, err
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, exists := s.rules[r.ID]; exists {
		return Rule{}, invalid("id", "already exists")
	}

	now := s.clock.Now().UTC()
	stored := r.Clone()
	stored.ConditionMetSince = nil
	stored.LastTriggeredAt = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.activeOmitted = false
	s.rules[stored.ID] = &stored
	return stored.Clone(), nil
}

// Update replaces a rule's definition. Trigger history is kept; the pending
// condition state is kept only when the evaluated definition is unchanged.
// A rule parsed from a Definition without active keeps its paused state.
func (s *MemoryStore) Update(ctx context.Context, r Rule) (Rule, error) {
	if err := ctx.Err(); err != nil {
		return Rule{}, err
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateLocked(r)
}

func (s *MemoryStore) updateLocked(r Rule) (Rule, error) {
	existing, ok := s.rules[r.ID]
	if !ok {
		return Rule{}, ErrRuleNotFound
	}

	updated := r.Clone()
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = s.clock.Now().UTC()
	updated.LastTriggeredAt = existing.Clone().LastTriggeredAt
	if r.activeOmitted {
		updated.Active = existing.Active
	}
	updated.activeOmitted = false
	updated.ConditionMetSince = nil
	if sameDefinition(*existing, r) {
		updated.ConditionMetSince = existing.Clone().ConditionMetSince
	}
	s.rules[r.ID] = &updated
	return updated.Clone(), nil
}

// Delete removes a rule and its state.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(s.rules, id)
	delete(s.seeded, id)
	return nil
}

// SetActive pauses or resumes a rule. State is kept across a pause.
func (s *MemoryStore) SetActive(ctx context.Context, id string, active bool) (Rule, error) {
	if err := ctx.Err(); err != nil {
		return Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return Rule{}, ErrRuleNotFound
	}
	r.Active = active
	r.UpdatedAt = s.clock.Now().UTC()
	return r.Clone(), nil
}

// CommitState stores the condition state produced by an evaluation.
func (s *MemoryStore) CommitState(ctx context.Context, id string, conditionMetSince *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	if conditionMetSince == nil {
		r.ConditionMetSince = nil
	} else {
		v := *conditionMetSince
		r.ConditionMetSince = &v
	}
	return nil
}

// RecordTrigger stores the time a rule's candidate was dispatched.
func (s *MemoryStore) RecordTrigger(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	r.LastTriggeredAt = &at
	return nil
}

// ApplySeed reconciles the store with a seed file's rules. Every rule must
// validate or nothing changes. Rules previously seeded but absent from the
// new set are removed; rules created through the API are never touched.
func (s *MemoryStore) ApplySeed(ctx context.Context, seed []Rule) (SeedResult, error) {
	if err := ctx.Err(); err != nil {
		return SeedResult{}, err
	}

	ids := make(map[string]bool, len(seed))
	for _, r := range seed {
		if err := r.Validate(); err != nil {
			return SeedResult{}, err
		}
		if r.ID == "" {
			return SeedResult{}, invalid("id", "required in seed files")
		}
		if ids[r.ID] {
			return SeedResult{}, invalid("id", "duplicate id "+r.ID)
		}
		ids[r.ID] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res SeedResult
	now := s.clock.Now().UTC()
	for _, r := range seed {
		if _, exists := s.rules[r.ID]; exists {
			if _, err := s.updateLocked(r); err != nil {
				return res, err
			}
			res.Updated++
		} else {
			stored := r.Clone()
			stored.ConditionMetSince = nil
			stored.LastTriggeredAt = nil
			stored.CreatedAt = now
			stored.UpdatedAt = now
			stored.activeOmitted = false
			s.rules[r.ID] = &stored
			res.Added++
		}
	}

	for id := range s.seeded {
		if !ids[id] {
			delete(s.rules, id)
			res.Removed++
		}
	}
	s.seeded = ids
	return res, nil
}
