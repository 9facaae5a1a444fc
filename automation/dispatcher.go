package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/songzhibin97/bookflow/events"
	"github.com/songzhibin97/bookflow/storage"
	"github.com/songzhibin97/bookflow/types"
)

// ErrUnexpectedPayload is returned when an event carries the wrong payload type.
var ErrUnexpectedPayload = errors.New("unexpected event payload")

// ScheduledCheckKey is the idempotency key of the daily check of one book.
func ScheduledCheckKey(day time.Time, bookID uint64) string {
	return fmt.Sprintf("scheduled_check:%s:%d", day.Format("2006-01-02"), bookID)
}

// Dispatcher turns domain events into engine invocations. It loads the book
// and the employee list, so producers only publish identifiers.
type Dispatcher struct {
	runner    Runner
	books     storage.BookStore
	directory storage.EmployeeDirectory
	logger    *logrus.Logger
}

// NewDispatcher creates a Dispatcher. directory may be nil.
func NewDispatcher(runner Runner, books storage.BookStore, directory storage.EmployeeDirectory, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{runner: runner, books: books, directory: directory, logger: logger}
}

// Register subscribes the dispatcher to every event type it handles.
func (d *Dispatcher) Register(bus *events.EventBus) []events.Subscription {
	return []events.Subscription{
		bus.Subscribe(events.ReportSubmitted, d),
		bus.Subscribe(events.BookCreated, d),
		bus.Subscribe(events.ScheduledCheck, d),
	}
}

// Handle implements events.EventHandler.
func (d *Dispatcher) Handle(ctx context.Context, event events.Event) error {
	switch event.Type {
	case events.ReportSubmitted:
		report, ok := event.Payload.(types.ReportSubmission)
		if !ok {
			return fmt.Errorf("%w: %s wants types.ReportSubmission, got %T", ErrUnexpectedPayload, event.Type, event.Payload)
		}
		return d.HandleReport(ctx, report)
	case events.BookCreated:
		return d.HandleBookCreated(ctx, event.BookID)
	case events.ScheduledCheck:
		day, ok := event.Payload.(time.Time)
		if !ok {
			return fmt.Errorf("%w: %s wants time.Time, got %T", ErrUnexpectedPayload, event.Type, event.Payload)
		}
		book, err := d.books.GetBook(ctx, event.BookID)
		if err != nil {
			return err
		}
		return d.CheckBook(ctx, book, day)
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrUnexpectedPayload, event.Type)
	}
}

// HandleReport runs PagesThreshold when pages were reported, then StageComplete
// when the report closes its stage. The book is reloaded between the two runs.
func (d *Dispatcher) HandleReport(ctx context.Context, report types.ReportSubmission) error {
	employees := d.employees(ctx)
	var errs []error

	if report.PagesCount > 0 {
		ectx, err := d.context(ctx, report.BookID, employees)
		if err != nil {
			return err
		}
		if _, err := d.runner.Run(ctx, types.TriggerPagesThreshold, ectx.WithPages(report.PagesCount)); err != nil {
			errs = append(errs, err)
		}
	}

	if report.StageCompleted {
		ectx, err := d.context(ctx, report.BookID, employees)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		ectx.CompletedStage = report.Stage
		if report.PagesCount > 0 {
			ectx = ectx.WithPages(report.PagesCount)
		}
		if _, err := d.runner.Run(ctx, types.TriggerStageComplete, ectx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleBookCreated runs RecordCreated for a new book.
func (d *Dispatcher) HandleBookCreated(ctx context.Context, bookID uint64) error {
	ectx, err := d.context(ctx, bookID, d.employees(ctx))
	if err != nil {
		return err
	}
	_, err = d.runner.Run(ctx, types.TriggerRecordCreated, ectx)
	return err
}

// CheckBook runs ScheduledCheck for book, at most once per rule and day.
func (d *Dispatcher) CheckBook(ctx context.Context, book types.Book, day time.Time) error {
	ectx := types.EventContext{
		Book:           &book,
		Employees:      d.employees(ctx),
		IdempotencyKey: ScheduledCheckKey(day, book.ID),
	}
	_, err := d.runner.Run(ctx, types.TriggerScheduledCheck, ectx)
	return err
}

func (d *Dispatcher) context(ctx context.Context, bookID uint64, employees []types.Employee) (types.EventContext, error) {
	book, err := d.books.GetBook(ctx, bookID)
	if err != nil {
		return types.EventContext{}, fmt.Errorf("load book %d: %w", bookID, err)
	}
	return types.EventContext{Book: &book, Employees: employees}, nil
}

// employees loads the directory for display-name rendering. A failure only
// degrades names to raw references.
func (d *Dispatcher) employees(ctx context.Context) []types.Employee {
	if d.directory == nil {
		return nil
	}
	list, err := d.directory.ListEmployees(ctx)
	if err != nil {
		d.logger.WithField("op", "list_employees").Warnf("automation: load employees: %v", err)
		return nil
	}
	return list
}
