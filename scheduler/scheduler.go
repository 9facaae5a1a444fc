package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/songzhibin97/bookflow/storage"
	"github.com/songzhibin97/bookflow/types"
)

// DefaultSchedule runs the sweep once a day at 06:00.
const DefaultSchedule = "0 6 * * *"

// ErrAlreadyStarted is returned by Start on a running sweeper.
var ErrAlreadyStarted = errors.New("sweeper already started")

// Checker runs the scheduled automations for one book.
type Checker interface {
	CheckBook(ctx context.Context, book types.Book, day time.Time) error
}

// Result summarizes one sweep.
type Result struct {
	Books  int
	Failed int
}

// Sweeper periodically runs ScheduledCheck automations over every open book.
type Sweeper struct {
	books   storage.BookStore
	checker Checker
	logger  *logrus.Logger
	now     func() time.Time
	timeout time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a Sweeper. timeout bounds a whole sweep; zero disables it.
func NewSweeper(books storage.BookStore, checker Checker, logger *logrus.Logger, timeout time.Duration) *Sweeper {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sweeper{
		books:   books,
		checker: checker,
		logger:  logger,
		now:     time.Now,
		timeout: timeout,
	}
}

// SetClock overrides the clock used for the check day.
func (s *Sweeper) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Sweep checks every book not yet completed. A failing book is logged and
// counted; only a failure to list books is returned.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	day := s.now()
	books, err := s.books.ListBooks(ctx, types.BookFilter{ExcludeCompleted: true})
	if err != nil {
		return Result{}, fmt.Errorf("list open books: %w", err)
	}

	res := Result{Books: len(books)}
	for _, book := range books {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.checker.CheckBook(ctx, book, day); err != nil {
			res.Failed++
			s.logger.WithField("book_id", book.ID).Warnf("scheduler: scheduled check failed: %v", err)
		}
	}

	s.logger.WithFields(logrus.Fields{"books": res.Books, "failed": res.Failed}).Info("scheduler: sweep finished")
	return res, nil
}

// Start schedules Sweep on schedule (standard five-field cron syntax or a
// descriptor such as "@daily"). Overlapping sweeps are skipped.
func (s *Sweeper) Start(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return ErrAlreadyStarted
	}

	cronLogger := cron.PrintfLogger(s.logger)
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Errorf("scheduler: sweep failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	c.Start()
	s.cron = c
	return nil
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
