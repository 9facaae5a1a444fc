package automation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/bookflow/rules"
	"github.com/songzhibin97/bookflow/storage"
	"github.com/songzhibin97/bookflow/types"
)

var (
	// ErrRulePanic wraps a panic recovered while running a single rule.
	ErrRulePanic = errors.New("rule panicked")
	// ErrRulesUnavailable is returned by Run when the rule fetch fails.
	ErrRulesUnavailable = errors.New("automation rules unavailable")
)

// DefaultRunTimeout bounds the store I/O of one invocation.
const DefaultRunTimeout = 5 * time.Second

// Evaluator decides whether a rule fires for an event.
type Evaluator interface {
	Evaluate(rule types.AutomationRule, ectx types.EventContext) bool
}

// Runner runs the automations for one trigger.
type Runner interface {
	Run(ctx context.Context, trigger types.TriggerType, ectx types.EventContext) (Summary, error)
}

// Summary counts what one invocation did.
type Summary struct {
	InvocationID string
	Trigger      types.TriggerType
	Candidates   int
	Matched      int
	Succeeded    int
	Failed       int
	Skipped      int
}

// Engine loads the active rules for a trigger and runs the matching ones in
// priority order, one at a time. It keeps no state between invocations.
type Engine struct {
	rules     storage.RuleRepository
	executor  ActionExecutor
	evaluator Evaluator
	recorder  storage.RunRecorder
	generate  generator.Generator
	logger    *logrus.Logger
	now       func() time.Time
	timeout   time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvaluator replaces the default condition evaluator.
func WithEvaluator(evaluator Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithRunRecorder enables the audit trail and idempotency checks.
// Run IDs come from generate when it is non-nil.
func WithRunRecorder(recorder storage.RunRecorder, generate generator.Generator) Option {
	return func(e *Engine) {
		e.recorder = recorder
		e.generate = generate
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the audit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTimeout bounds each invocation. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.timeout = d
		}
	}
}

// NewEngine creates an Engine. Without WithEvaluator, conditions are checked by
// a rules.ConditionEvaluator backed by an expr guard evaluator.
func NewEngine(repo storage.RuleRepository, executor ActionExecutor, opts ...Option) (*Engine, error) {
	if repo == nil {
		return nil, errors.New("rule repository is required")
	}
	if executor == nil {
		return nil, errors.New("action executor is required")
	}

	e := &Engine{
		rules:    repo,
		executor: executor,
		logger:   logrus.New(),
		now:      time.Now,
		timeout:  DefaultRunTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.evaluator == nil {
		e.evaluator = rules.NewConditionEvaluator(rules.NewExprEvaluator(), e.logger)
	}
	return e, nil
}

// Run executes the automations for trigger. Rule failures are logged, audited
// and counted but never returned; the only error is a failed rule fetch.
// The context book is copied, and each applied change is reflected on the
// copy before the next rule runs.
func (e *Engine) Run(ctx context.Context, trigger types.TriggerType, ectx types.EventContext) (Summary, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	summary := Summary{InvocationID: uuid.NewString(), Trigger: trigger}
	ectx.TriggerType = trigger
	if ectx.Book != nil {
		book := *ectx.Book
		ectx.Book = &book
	}

	log := e.logger.WithFields(logrus.Fields{
		"invocation": summary.InvocationID,
		"trigger":    trigger,
		"book_id":    bookID(ectx),
	})

	candidates, err := e.rules.ListActiveRulesForTrigger(ctx, trigger)
	if err != nil {
		log.WithField("op", "list_rules").Errorf("automation: load rules: %v", err)
		return summary, fmt.Errorf("%w: %s: %w", ErrRulesUnavailable, trigger, err)
	}
	candidates = storage.FilterActive(candidates, trigger)
	storage.SortRules(candidates)
	summary.Candidates = len(candidates)

	for _, rule := range candidates {
		e.runRule(ctx, log, rule, &ectx, &summary)
	}

	log.WithFields(logrus.Fields{
		"candidates": summary.Candidates,
		"matched":    summary.Matched,
		"succeeded":  summary.Succeeded,
		"failed":     summary.Failed,
		"skipped":    summary.Skipped,
	}).Debug("automation: run finished")
	return summary, nil
}

type outcome struct {
	matched bool
	result  Result
	err     error
}

func (e *Engine) runRule(ctx context.Context, log *logrus.Entry, rule types.AutomationRule, ectx *types.EventContext, summary *Summary) {
	log = log.WithFields(logrus.Fields{"rule_id": rule.ID, "rule": rule.Name})

	out := e.evaluateAndExecute(ctx, rule, ectx)
	if !out.matched {
		return
	}
	summary.Matched++

	run := types.AutomationRun{
		RuleID:         rule.ID,
		BookID:         bookID(*ectx),
		InvocationID:   summary.InvocationID,
		TriggerType:    summary.Trigger,
		IdempotencyKey: ectx.IdempotencyKey,
	}
	switch {
	case out.err != nil:
		summary.Failed++
		run.Status = types.RunFailed
		run.Message = out.err.Error()
		log.WithField("op", string(rule.ActionType())).Warnf("automation: rule failed: %v", out.err)
	case out.result.Skipped:
		summary.Skipped++
		run.Status = types.RunSkipped
		run.Message = out.result.Reason
		log.Debugf("automation: rule skipped: %s", out.result.Reason)
	default:
		summary.Succeeded++
		run.Status = types.RunSuccess
		log.WithField("op", string(rule.ActionType())).Info("automation: rule applied")
	}
	e.record(ctx, log, run)
}

// evaluateAndExecute runs one rule, converting a panic into a failure.
func (e *Engine) evaluateAndExecute(ctx context.Context, rule types.AutomationRule, ectx *types.EventContext) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out.matched = true
			out.err = fmt.Errorf("%w: %v\n%s", ErrRulePanic, r, debug.Stack())
		}
	}()

	if !e.evaluator.Evaluate(rule, *ectx) {
		return outcome{}
	}
	out.matched = true

	if key := ectx.IdempotencyKey; key != "" && e.recorder != nil {
		done, err := e.recorder.HasSucceeded(ctx, rule.ID, key)
		if err != nil {
			out.err = fmt.Errorf("check idempotency key: %w", err)
			return out
		}
		if done {
			out.result = skipped(ReasonAlreadyApplied)
			return out
		}
	}

	out.result, out.err = e.executor.Execute(ctx, rule, *ectx)
	if out.err == nil && !out.result.Skipped && ectx.Book != nil {
		out.result.Patch.Apply(ectx.Book)
	}
	return out
}

func (e *Engine) record(ctx context.Context, log *logrus.Entry, run types.AutomationRun) {
	if e.recorder == nil {
		return
	}
	if e.generate != nil {
		id, err := e.generate.NextID()
		if err != nil {
			log.Warnf("automation: generate run id: %v", err)
			return
		}
		run.ID = id
	}
	run.CreatedAt = e.now()
	if err := e.recorder.RecordRun(ctx, run); err != nil {
		log.WithField("op", "record_run").Warnf("automation: record run: %v", err)
	}
}

func bookID(ectx types.EventContext) uint64 {
	if ectx.Book == nil {
		return 0
	}
	return ectx.Book.ID
}
