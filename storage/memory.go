package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/bookflow/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	books         map[uint64]types.Book
	rules         map[uint64]types.AutomationRule
	ruleOrder     []uint64
	employees     map[string]types.Employee
	notifications []types.Notification
	runs          []types.AutomationRun
	mu            sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		books:     make(map[uint64]types.Book),
		rules:     make(map[uint64]types.AutomationRule),
		employees: make(map[string]types.Employee),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return item, nil
	})
}

// CreateBook stores a new book in memory.
func (s *MemoryStorage) CreateBook(ctx context.Context, book types.Book) error {
	if book.ID == 0 {
		return ErrInvalidID
	}
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.books[book.ID] = book
		return nil
	})
}

// GetBook retrieves a book from memory.
func (s *MemoryStorage) GetBook(ctx context.Context, id uint64) (types.Book, error) {
	return getItem(ctx, &s.mu, s.books, id, ErrBookNotFound)
}

// UpdateBook applies patch to a stored book.
func (s *MemoryStorage) UpdateBook(ctx context.Context, id uint64, patch types.BookPatch) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		book, ok := s.books[id]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrBookNotFound, id)
		}
		patch.Apply(&book)
		s.books[id] = book
		return nil
	})
}

// ListBooks returns the stored books matching filter, ordered by ID.
func (s *MemoryStorage) ListBooks(ctx context.Context, filter types.BookFilter) ([]types.Book, error) {
	return withContext(ctx, func() ([]types.Book, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Book, 0, len(s.books))
		for _, b := range s.books {
			if filter.Match(b) {
				out = append(out, b)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// InsertNotifications appends notifications under a single lock.
func (s *MemoryStorage) InsertNotifications(ctx context.Context, notifications []types.Notification) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.notifications = append(s.notifications, notifications...)
		return nil
	})
}

// ListNotifications returns the notifications addressed to recipientRef.
func (s *MemoryStorage) ListNotifications(ctx context.Context, recipientRef string) ([]types.Notification, error) {
	return withContext(ctx, func() ([]types.Notification, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Notification, 0)
		for _, n := range s.notifications {
			if n.RecipientRef == recipientRef {
				out = append(out, n)
			}
		}
		return out, nil
	})
}

// SaveRule inserts or replaces a rule. Replacing keeps the rule's original position.
func (s *MemoryStorage) SaveRule(ctx context.Context, rule types.AutomationRule) error {
	if rule.ID == 0 {
		return ErrInvalidID
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, exists := s.rules[rule.ID]; !exists {
			s.ruleOrder = append(s.ruleOrder, rule.ID)
		}
		s.rules[rule.ID] = rule
		return nil
	})
}

// DeleteRule removes a rule.
func (s *MemoryStorage) DeleteRule(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.rules[id]; !ok {
			return fmt.Errorf("%w: id=%d", ErrRuleNotFound, id)
		}
		delete(s.rules, id)
		for i, rid := range s.ruleOrder {
			if rid == id {
				s.ruleOrder = append(s.ruleOrder[:i], s.ruleOrder[i+1:]...)
				break
			}
		}
		return nil
	})
}

// ListRules returns all rules by priority, insertion order within a priority.
func (s *MemoryStorage) ListRules(ctx context.Context) ([]types.AutomationRule, error) {
	return withContext(ctx, func() ([]types.AutomationRule, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.AutomationRule, 0, len(s.ruleOrder))
		for _, id := range s.ruleOrder {
			out = append(out, s.rules[id])
		}
		SortRules(out)
		return out, nil
	})
}

// ListActiveRulesForTrigger returns the active rules for trigger.
func (s *MemoryStorage) ListActiveRulesForTrigger(ctx context.Context, trigger types.TriggerType) ([]types.AutomationRule, error) {
	all, err := s.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	return FilterActive(all, trigger), nil
}

// SaveEmployee inserts or replaces a directory entry.
func (s *MemoryStorage) SaveEmployee(ctx context.Context, employee types.Employee) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.employees[employee.Ref] = employee
		return nil
	})
}

// ResolveEmployee looks up ref in the directory.
func (s *MemoryStorage) ResolveEmployee(ctx context.Context, ref string) (*types.Employee, error) {
	return withContext(ctx, func() (*types.Employee, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		e, ok := s.employees[ref]
		if !ok {
			return nil, nil
		}
		return &e, nil
	})
}

// ListEmployees returns the directory ordered by ref.
func (s *MemoryStorage) ListEmployees(ctx context.Context) ([]types.Employee, error) {
	return withContext(ctx, func() ([]types.Employee, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Employee, 0, len(s.employees))
		for _, e := range s.employees {
			out = append(out, e)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
		return out, nil
	})
}

// RecordRun appends an audit record.
func (s *MemoryStorage) RecordRun(ctx context.Context, run types.AutomationRun) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.runs = append(s.runs, run)
		return nil
	})
}

// HasSucceeded reports whether a successful run exists for (ruleID, key).
func (s *MemoryStorage) HasSucceeded(ctx context.Context, ruleID uint64, key string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, r := range s.runs {
			if r.RuleID == ruleID && r.IdempotencyKey == key && r.Status == types.RunSuccess {
				return true, nil
			}
		}
		return false, nil
	})
}

// Runs returns a copy of the audit trail.
func (s *MemoryStorage) Runs() []types.AutomationRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.AutomationRun, len(s.runs))
	copy(out, s.runs)
	return out
}
