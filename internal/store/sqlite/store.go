// Package sqlite persists the order stack in a single SQLite database via
// gorm. WAL mode with a small connection pool keeps concurrent readers cheap
// while writes stay serialized.
package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"strata/internal/orders"
	"strata/internal/store"
	"strata/internal/store/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
	})
	if err != nil {
		return nil, err
	}
	return newStore(db)
}

// NewStoreFromDB wraps an already opened gorm handle, used by tests.
func NewStoreFromDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db cannot be nil")
	}
	return newStore(db)
}

func newStore(db *gorm.DB) (*Store, error) {
	models := []interface{}{
		&model.InstrumentOrderModel{},
		&model.ContractOrderModel{},
		&model.BrokerOrderModel{},
		&model.PositionModel{},
		&model.OrderEventModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &Store{db: db}, nil
}

func (s *Store) InstrumentOrders() store.InstrumentOrders { return &instrumentOrderRepo{db: s.db} }
func (s *Store) ContractOrders() store.ContractOrders     { return &contractOrderRepo{db: s.db} }
func (s *Store) BrokerOrders() store.BrokerOrders         { return &brokerOrderRepo{db: s.db} }
func (s *Store) Positions() store.Positions               { return &positionRepo{db: s.db} }
func (s *Store) OrderEvents() store.OrderEvents           { return &orderEventRepo{db: s.db} }

// ArchiveTerminal stamps archived_at on terminal orders created before the
// cutoff. Lists skip archived rows, so old stacks stop costing scans without
// any row ever being deleted.
func (s *Store) ArchiveTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	now := time.Now().UnixMilli()
	cutoff := olderThan.UnixMilli()
	var total int64

	terminal := []string{string(orders.StatusFilled), string(orders.StatusCancelled)}
	brokerTerminal := append(terminal, string(orders.StatusRejected))
	sweeps := []struct {
		model    interface{}
		statuses []string
	}{
		{&model.InstrumentOrderModel{}, terminal},
		{&model.ContractOrderModel{}, terminal},
		{&model.BrokerOrderModel{}, brokerTerminal},
	}
	for _, sweep := range sweeps {
		res := s.db.WithContext(ctx).Model(sweep.model).
			Where("status IN ?", sweep.statuses).
			Where("archived_at = 0").
			Where("created_at < ?", cutoff).
			Update("archived_at", now)
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	return total, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
