package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/songzhibin97/gkit/generator"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/bookflow/automation"
	"github.com/songzhibin97/bookflow/config"
	"github.com/songzhibin97/bookflow/events"
	"github.com/songzhibin97/bookflow/scheduler"
	"github.com/songzhibin97/bookflow/storage"
	"github.com/songzhibin97/bookflow/types"
)

// app holds the wired components shared by every command.
type app struct {
	cfg        *config.Config
	logger     *logrus.Logger
	store      storage.Storage
	close      func() error
	ids        generator.Generator
	engine     *automation.Engine
	dispatcher *automation.Dispatcher
	bus        *events.EventBus
	sweeper    *scheduler.Sweeper
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := config.InitLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return wire(ctx, cfg, logger)
}

func wire(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	store, closeStore, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		close:  closeStore,
		ids:    automation.NewIDGenerator(cfg.Automation.MachineID),
	}

	executor, err := automation.NewExecutor(store, store, a.ids, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	executor.SetDirectory(store)

	opts := []automation.Option{
		automation.WithLogger(logger),
		automation.WithTimeout(cfg.Automation.RunTimeout),
	}
	if cfg.Automation.Audit {
		opts = append(opts, automation.WithRunRecorder(store, a.ids))
	}
	if a.engine, err = automation.NewEngine(store, executor, opts...); err != nil {
		a.Close()
		return nil, err
	}

	a.dispatcher = automation.NewDispatcher(a.engine, store, store, logger)
	a.bus = events.NewEventBus(
		events.WithBufferSize(cfg.Events.BufferSize),
		events.WithSyncTimeout(cfg.Events.SyncTimeout),
		events.WithLogger(logger),
	)
	a.dispatcher.Register(a.bus)
	a.sweeper = scheduler.NewSweeper(store, a.dispatcher, logger, cfg.Automation.SweepTimeout)

	if seedFile != "" {
		if err := a.seed(ctx, seedFile); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func openStorage(cfg config.StorageConfig) (storage.Storage, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryStorage(), func() error { return nil }, nil
	case "redis":
		store, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			IdleTimeout:  cfg.Redis.IdleTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := storage.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
}

// Close stops the bus, delivering queued events, then releases the store.
func (a *app) Close() error {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.bus != nil {
		a.bus.Stop()
	}
	return a.close()
}

// seedData is the layout of a --seed file.
type seedData struct {
	Employees []types.Employee   `yaml:"employees"`
	Books     []types.Book       `yaml:"books"`
	Rules     []types.RuleRecord `yaml:"rules"`
}

func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (a *app) seed(ctx context.Context, path string) error {
	var data seedData
	if err := readYAML(path, &data); err != nil {
		return err
	}
	for _, e := range data.Employees {
		if err := a.store.SaveEmployee(ctx, e); err != nil {
			return fmt.Errorf("seed employee %q: %w", e.Ref, err)
		}
	}
	now := time.Now()
	for _, b := range data.Books {
		if b.ID == 0 {
			id, err := a.ids.NextID()
			if err != nil {
				return err
			}
			b.ID = id
		}
		b.CreatedAt, b.UpdatedAt = now, now
		if err := a.store.CreateBook(ctx, b); err != nil {
			return fmt.Errorf("seed book %d: %w", b.ID, err)
		}
	}
	if _, err := a.importRules(ctx, data.Rules); err != nil {
		return err
	}
	a.logger.WithFields(logrus.Fields{
		"employees": len(data.Employees),
		"books":     len(data.Books),
		"rules":     len(data.Rules),
	}).Info("seed loaded")
	return nil
}

// importRules saves records in order, assigning IDs to new ones.
func (a *app) importRules(ctx context.Context, records []types.RuleRecord) ([]uint64, error) {
	ids := make([]uint64, 0, len(records))
	now := time.Now()
	for i, rec := range records {
		if rec.ID == 0 {
			id, err := a.ids.NextID()
			if err != nil {
				return ids, err
			}
			rec.ID = id
		}
		rec.CreatedAt, rec.UpdatedAt = now, now
		if err := a.store.SaveRule(ctx, rec.Rule()); err != nil {
			return ids, fmt.Errorf("rule %d (%q): %w", i+1, rec.Name, err)
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// setRuleActive toggles one rule, keeping every other field.
func (a *app) setRuleActive(ctx context.Context, id uint64, active bool) error {
	list, err := a.store.ListRules(ctx)
	if err != nil {
		return err
	}
	for _, r := range list {
		if r.ID != id {
			continue
		}
		r.IsActive = active
		r.UpdatedAt = time.Now()
		return a.store.SaveRule(ctx, r)
	}
	return fmt.Errorf("%w: id=%d", storage.ErrRuleNotFound, id)
}
