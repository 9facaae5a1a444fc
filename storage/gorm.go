package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/songzhibin97/bookflow/types"
)

// ErrUnsupportedDriver is returned by Open for unknown driver names.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// GormStorage is a SQL implementation of the Storage interface.
type GormStorage struct {
	db *gorm.DB
}

// Open connects to driver ("postgres" or "sqlite") at dsn and migrates the schema.
func Open(driver, dsn string) (*GormStorage, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewGormStorage(db)
}

// NewGormStorage wraps an open connection and migrates the schema.
func NewGormStorage(db *gorm.DB) (*GormStorage, error) {
	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &GormStorage{db: db}, nil
}

// CreateBook inserts a record.
func (s *GormStorage) CreateBook(ctx context.Context, book types.Book) error {
	if book.ID == 0 {
		return ErrInvalidID
	}
	return withContextError(ctx, func() error {
		m := bookModel(book)
		if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
			return fmt.Errorf("failed to create book %d: %w", book.ID, err)
		}
		return nil
	})
}

// GetBook loads a record by ID.
func (s *GormStorage) GetBook(ctx context.Context, id uint64) (types.Book, error) {
	return withContext(ctx, func() (types.Book, error) {
		var m BookModel
		err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Book{}, fmt.Errorf("%w: id=%d", ErrBookNotFound, id)
		} else if err != nil {
			return types.Book{}, fmt.Errorf("failed to get book %d: %w", id, err)
		}
		return m.book(), nil
	})
}

// UpdateBook writes only the patched columns.
func (s *GormStorage) UpdateBook(ctx context.Context, id uint64, patch types.BookPatch) error {
	return withContextError(ctx, func() error {
		cols := patch.Columns()
		cols["updated_at"] = time.Now()
		result := s.db.WithContext(ctx).Model(&BookModel{}).Where("id = ?", id).Updates(cols)
		if result.Error != nil {
			return fmt.Errorf("failed to update book %d: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: id=%d", ErrBookNotFound, id)
		}
		return nil
	})
}

// ListBooks queries records matching filter.
func (s *GormStorage) ListBooks(ctx context.Context, filter types.BookFilter) ([]types.Book, error) {
	return withContext(ctx, func() ([]types.Book, error) {
		q := s.db.WithContext(ctx).Model(&BookModel{})
		if filter.Stage != "" {
			q = q.Where("current_stage = ?", string(filter.Stage))
		}
		if filter.Status != "" {
			q = q.Where("status = ?", string(filter.Status))
		}
		if filter.ExcludeCompleted {
			q = q.Where("current_stage <> ?", string(types.StageCompleted))
		}
		var rows []BookModel
		if err := q.Order("id ASC").Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to list books: %w", err)
		}
		out := make([]types.Book, 0, len(rows))
		for _, m := range rows {
			out = append(out, m.book())
		}
		return out, nil
	})
}

// InsertNotifications inserts the batch in one transaction.
func (s *GormStorage) InsertNotifications(ctx context.Context, notifications []types.Notification) error {
	return withContextError(ctx, func() error {
		if len(notifications) == 0 {
			return nil
		}
		rows := make([]NotificationModel, 0, len(notifications))
		for _, n := range notifications {
			rows = append(rows, notificationModel(n))
		}
		if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to insert notifications: %w", err)
		}
		return nil
	})
}

// ListNotifications returns a recipient's notifications, oldest first.
func (s *GormStorage) ListNotifications(ctx context.Context, recipientRef string) ([]types.Notification, error) {
	return withContext(ctx, func() ([]types.Notification, error) {
		var rows []NotificationModel
		err := s.db.WithContext(ctx).
			Where("recipient_ref = ?", recipientRef).
			Order("created_at ASC, id ASC").
			Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("failed to list notifications for %s: %w", recipientRef, err)
		}
		out := make([]types.Notification, 0, len(rows))
		for _, m := range rows {
			out = append(out, m.notification())
		}
		return out, nil
	})
}

// SaveRule inserts a rule at the end of the insertion order or updates it in
// place. Updates never touch its position.
func (s *GormStorage) SaveRule(ctx context.Context, rule types.AutomationRule) error {
	if rule.ID == 0 {
		return ErrInvalidID
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	return withContextError(ctx, func() error {
		m := ruleModel(rule)
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var existing int64
			if err := tx.Model(&RuleModel{}).Where("id = ?", m.ID).Count(&existing).Error; err != nil {
				return err
			}
			if existing > 0 {
				return tx.Model(&RuleModel{}).Where("id = ?", m.ID).Select(ruleUpdateColumns).Updates(&m).Error
			}

			var last int64
			if err := tx.Model(&RuleModel{}).Select("COALESCE(MAX(position), 0)").Scan(&last).Error; err != nil {
				return err
			}
			m.Position = last + 1
			return tx.Create(&m).Error
		})
		if err != nil {
			return fmt.Errorf("failed to save rule %d: %w", rule.ID, err)
		}
		return nil
	})
}

var ruleUpdateColumns = []string{
	"name", "description",
	"trigger_type", "trigger_stage", "trigger_pages_count",
	"action_type", "action_target_stage", "action_employee_email", "action_notification_message",
	"condition", "is_active", "priority", "updated_at",
}

// DeleteRule removes a rule.
func (s *GormStorage) DeleteRule(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		result := s.db.WithContext(ctx).Delete(&RuleModel{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("failed to delete rule %d: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: id=%d", ErrRuleNotFound, id)
		}
		return nil
	})
}

// ListRules returns every rule by priority, insertion order within a priority.
func (s *GormStorage) ListRules(ctx context.Context) ([]types.AutomationRule, error) {
	return s.listRules(ctx, s.db.WithContext(ctx))
}

// ListActiveRulesForTrigger filters in SQL and keeps ListRules ordering.
func (s *GormStorage) ListActiveRulesForTrigger(ctx context.Context, trigger types.TriggerType) ([]types.AutomationRule, error) {
	q := s.db.WithContext(ctx).Where("trigger_type = ? AND is_active = ?", string(trigger), true)
	return s.listRules(ctx, q)
}

func (s *GormStorage) listRules(ctx context.Context, q *gorm.DB) ([]types.AutomationRule, error) {
	return withContext(ctx, func() ([]types.AutomationRule, error) {
		var rows []RuleModel
		if err := q.Order("priority DESC, position ASC, id ASC").Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to list rules: %w", err)
		}
		out := make([]types.AutomationRule, 0, len(rows))
		for _, m := range rows {
			out = append(out, m.rule())
		}
		return out, nil
	})
}

// SaveEmployee upserts a directory entry.
func (s *GormStorage) SaveEmployee(ctx context.Context, employee types.Employee) error {
	return withContextError(ctx, func() error {
		m := EmployeeModel{Ref: employee.Ref, DisplayName: employee.DisplayName}
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "ref"}},
				DoUpdates: clause.AssignmentColumns([]string{"display_name", "updated_at"}),
			}).
			Create(&m).Error
		if err != nil {
			return fmt.Errorf("failed to save employee %s: %w", employee.Ref, err)
		}
		return nil
	})
}

// ResolveEmployee returns nil when ref is not in the directory.
func (s *GormStorage) ResolveEmployee(ctx context.Context, ref string) (*types.Employee, error) {
	return withContext(ctx, func() (*types.Employee, error) {
		var m EmployeeModel
		err := s.db.WithContext(ctx).First(&m, "ref = ?", ref).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to resolve employee %s: %w", ref, err)
		}
		return &types.Employee{Ref: m.Ref, DisplayName: m.DisplayName}, nil
	})
}

// ListEmployees returns the directory ordered by ref.
func (s *GormStorage) ListEmployees(ctx context.Context) ([]types.Employee, error) {
	return withContext(ctx, func() ([]types.Employee, error) {
		var rows []EmployeeModel
		if err := s.db.WithContext(ctx).Order("ref ASC").Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to list employees: %w", err)
		}
		out := make([]types.Employee, 0, len(rows))
		for _, m := range rows {
			out = append(out, types.Employee{Ref: m.Ref, DisplayName: m.DisplayName})
		}
		return out, nil
	})
}

// RecordRun inserts an audit row.
func (s *GormStorage) RecordRun(ctx context.Context, run types.AutomationRun) error {
	return withContextError(ctx, func() error {
		m := AutomationRunModel{
			ID:             run.ID,
			RuleID:         run.RuleID,
			BookID:         run.BookID,
			InvocationID:   run.InvocationID,
			TriggerType:    string(run.TriggerType),
			Status:         run.Status,
			Message:        run.Message,
			IdempotencyKey: run.IdempotencyKey,
			CreatedAt:      run.CreatedAt,
		}
		if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
			return fmt.Errorf("failed to record run for rule %d: %w", run.RuleID, err)
		}
		return nil
	})
}

// HasSucceeded counts success rows for (ruleID, key).
func (s *GormStorage) HasSucceeded(ctx context.Context, ruleID uint64, key string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		var n int64
		err := s.db.WithContext(ctx).Model(&AutomationRunModel{}).
			Where("rule_id = ? AND idempotency_key = ? AND status = ?", ruleID, key, types.RunSuccess).
			Count(&n).Error
		if err != nil {
			return false, fmt.Errorf("failed to check runs for rule %d: %w", ruleID, err)
		}
		return n > 0, nil
	})
}

// Close closes the underlying connection pool.
func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
