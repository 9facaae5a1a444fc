package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/bookflow/storage"
	"github.com/songzhibin97/bookflow/types"
)

var (
	// ErrUnsupportedAction is returned for action kinds the executor cannot run.
	ErrUnsupportedAction = errors.New("unsupported action type")
	// ErrGeneratorRequired is returned when an executor is built without an ID generator.
	ErrGeneratorRequired = errors.New("generator is required")
)

// Skip reasons reported in Result.Reason.
const (
	ReasonNoBook         = "no book in context"
	ReasonNoAssignee     = "current stage has no assignee field"
	ReasonNoRecipients   = "book has no assignees to notify"
	ReasonAlreadyApplied = "already succeeded for idempotency key"
)

// ActionExecutor applies a rule's action for an event.
type ActionExecutor interface {
	Execute(ctx context.Context, rule types.AutomationRule, ectx types.EventContext) (Result, error)
}

// ActionExecutorFunc is a function adapter for ActionExecutor.
type ActionExecutorFunc func(ctx context.Context, rule types.AutomationRule, ectx types.EventContext) (Result, error)

// Execute implements the ActionExecutor interface.
func (f ActionExecutorFunc) Execute(ctx context.Context, rule types.AutomationRule, ectx types.EventContext) (Result, error) {
	return f(ctx, rule, ectx)
}

// Result describes what an action did.
type Result struct {
	Skipped bool
	Reason  string

	// Patch holds the book fields written by the action.
	Patch types.BookPatch

	Notifications int
}

func skipped(reason string) Result {
	return Result{Skipped: true, Reason: reason}
}

// Executor runs actions against the record store.
type Executor struct {
	books         storage.BookStore
	notifications storage.NotificationStore
	directory     storage.EmployeeDirectory
	generate      generator.Generator
	logger        *logrus.Logger
	now           func() time.Time
}

// NewExecutor creates an Executor. The employee directory is optional, see SetDirectory.
func NewExecutor(books storage.BookStore, notifications storage.NotificationStore, generate generator.Generator, logger *logrus.Logger) (*Executor, error) {
	if books == nil || notifications == nil {
		return nil, errors.New("book and notification stores are required")
	}
	if generate == nil {
		return nil, ErrGeneratorRequired
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Executor{
		books:         books,
		notifications: notifications,
		generate:      generate,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// SetDirectory sets the directory consulted for recipients missing from the event context.
func (x *Executor) SetDirectory(directory storage.EmployeeDirectory) {
	x.directory = directory
}

// SetClock overrides the notification timestamp source.
func (x *Executor) SetClock(now func() time.Time) {
	if now != nil {
		x.now = now
	}
}

// Execute applies rule's action to the context book. Without a book it is a skip.
func (x *Executor) Execute(ctx context.Context, rule types.AutomationRule, ectx types.EventContext) (Result, error) {
	if ectx.Book == nil {
		return skipped(ReasonNoBook), nil
	}
	book := *ectx.Book

	switch a := rule.Action.(type) {
	case types.AdvanceStageAction:
		return x.advanceStage(ctx, book, a)
	case types.AssignEmployeeAction:
		return x.assignEmployee(ctx, book, a)
	case types.SendNotificationAction:
		return x.sendNotification(ctx, rule, book, ectx, a)
	case types.UpdateStatusAction:
		status := types.StatusInProgress
		return x.update(ctx, book.ID, types.BookPatch{Status: &status})
	case nil:
		return Result{}, fmt.Errorf("%w: rule %d has no action", ErrUnsupportedAction, rule.ID)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedAction, a.Type())
	}
}

func (x *Executor) advanceStage(ctx context.Context, book types.Book, a types.AdvanceStageAction) (Result, error) {
	if !a.Target.Valid() {
		return Result{}, fmt.Errorf("%w: unknown target stage %q", types.ErrInvalidRule, a.Target)
	}
	target := a.Target
	status := types.StatusInProgress
	return x.update(ctx, book.ID, types.BookPatch{CurrentStage: &target, Status: &status})
}

func (x *Executor) assignEmployee(ctx context.Context, book types.Book, a types.AssignEmployeeAction) (Result, error) {
	if _, ok := book.Assignee(book.CurrentStage); !ok {
		return skipped(ReasonNoAssignee), nil
	}
	return x.update(ctx, book.ID, types.BookPatch{
		Assignments: map[types.Stage]string{book.CurrentStage: a.EmployeeRef},
	})
}

func (x *Executor) update(ctx context.Context, id uint64, patch types.BookPatch) (Result, error) {
	if err := x.books.UpdateBook(ctx, id, patch); err != nil {
		return Result{}, fmt.Errorf("update book %d: %w", id, err)
	}
	return Result{Patch: patch}, nil
}

func (x *Executor) sendNotification(ctx context.Context, rule types.AutomationRule, book types.Book, ectx types.EventContext, a types.SendNotificationAction) (Result, error) {
	recipients := uniqueRecipients(book)
	if len(recipients) == 0 {
		return skipped(ReasonNoRecipients), nil
	}

	message := RenderMessage(a.Template, book, ectx)
	now := x.now()
	batch := make([]types.Notification, 0, len(recipients))
	for _, ref := range recipients {
		id, err := x.generate.NextID()
		if err != nil {
			return Result{}, fmt.Errorf("generate notification id: %w", err)
		}
		batch = append(batch, types.Notification{
			ID:                   id,
			RecipientRef:         ref,
			RecipientDisplayName: x.displayName(ctx, ectx, ref),
			Title:                NotificationTitlePrefix + rule.Name,
			Message:              message,
			Category:             types.CategoryInfo,
			RelatedBookID:        book.ID,
			RelatedBookTitle:     book.Title,
			IsRead:               false,
			CreatedAt:            now,
		})
	}

	if err := x.notifications.InsertNotifications(ctx, batch); err != nil {
		return Result{}, fmt.Errorf("insert %d notifications: %w", len(batch), err)
	}
	return Result{Notifications: len(batch)}, nil
}

// displayName resolves ref from the event context, then the directory,
// then falls back to the raw reference.
func (x *Executor) displayName(ctx context.Context, ectx types.EventContext, ref string) string {
	if e, ok := ectx.Employee(ref); ok && e.DisplayName != "" {
		return e.DisplayName
	}
	if x.directory != nil {
		e, err := x.directory.ResolveEmployee(ctx, ref)
		if err != nil {
			x.logger.WithField("employee", ref).Warnf("automation: resolve employee: %v", err)
		} else if e != nil && e.DisplayName != "" {
			return e.DisplayName
		}
	}
	return ref
}

// uniqueRecipients returns the book's assignees in stage order without duplicates.
func uniqueRecipients(book types.Book) []string {
	all := book.Assignees()
	seen := make(map[string]struct{}, len(all))
	out := make([]string, 0, len(all))
	for _, ref := range all {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}
