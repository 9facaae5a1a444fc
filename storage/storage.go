package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/songzhibin97/bookflow/types"
)

// Errors
var (
	ErrBookNotFound = errors.New("book not found")
	ErrRuleNotFound = errors.New("rule not found")
	ErrInvalidID    = errors.New("id cannot be zero")
)

// BookStore reads and writes digitization records.
type BookStore interface {
	// CreateBook stores a new record. The caller assigns the ID.
	CreateBook(ctx context.Context, book types.Book) error

	// GetBook retrieves a record by ID.
	GetBook(ctx context.Context, id uint64) (types.Book, error)

	// UpdateBook applies a partial update to a record.
	UpdateBook(ctx context.Context, id uint64, patch types.BookPatch) error

	// ListBooks returns the records matching filter, ordered by ID.
	ListBooks(ctx context.Context, filter types.BookFilter) ([]types.Book, error)
}

// NotificationStore persists notifications.
type NotificationStore interface {
	// InsertNotifications stores all notifications in one batch.
	InsertNotifications(ctx context.Context, notifications []types.Notification) error

	// ListNotifications returns a recipient's notifications, oldest first.
	ListNotifications(ctx context.Context, recipientRef string) ([]types.Notification, error)
}

// RuleRepository holds automation rules.
type RuleRepository interface {
	SaveRule(ctx context.Context, rule types.AutomationRule) error
	DeleteRule(ctx context.Context, id uint64) error

	// ListRules returns every rule ordered by priority descending, insertion order within a priority.
	ListRules(ctx context.Context) ([]types.AutomationRule, error)

	// ListActiveRulesForTrigger returns the active rules for trigger in ListRules order.
	// It never returns nil.
	ListActiveRulesForTrigger(ctx context.Context, trigger types.TriggerType) ([]types.AutomationRule, error)
}

// EmployeeDirectory resolves employee references.
type EmployeeDirectory interface {
	SaveEmployee(ctx context.Context, employee types.Employee) error

	// ResolveEmployee returns nil without error when ref is unknown.
	ResolveEmployee(ctx context.Context, ref string) (*types.Employee, error)

	ListEmployees(ctx context.Context) ([]types.Employee, error)
}

// RunRecorder keeps the automation audit trail.
type RunRecorder interface {
	RecordRun(ctx context.Context, run types.AutomationRun) error

	// HasSucceeded reports whether ruleID already ran successfully under key.
	HasSucceeded(ctx context.Context, ruleID uint64, key string) (bool, error)
}

// Storage is the full persistence surface of the application.
type Storage interface {
	BookStore
	NotificationStore
	RuleRepository
	EmployeeDirectory
	RunRecorder
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// SortRules orders rules by priority descending. The sort is stable, so
// equal priorities keep their input order.
func SortRules(rules []types.AutomationRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
}

// FilterActive keeps the active rules for trigger, preserving order.
func FilterActive(rules []types.AutomationRule, trigger types.TriggerType) []types.AutomationRule {
	out := make([]types.AutomationRule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive && r.TriggerType() == trigger {
			out = append(out, r)
		}
	}
	return out
}
