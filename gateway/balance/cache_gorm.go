package balance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// BalanceRecord is the last successfully loaded balance of one token.
type BalanceRecord struct {
	Address     string    `gorm:"primaryKey;size:128"`
	Symbol      string    `gorm:"primaryKey;size:32"`
	FreeBalance string    `gorm:"size:96;not null"`
	UpdatedAt   time.Time `gorm:"index"`
}

func (BalanceRecord) TableName() string { return "wallet_balances" }

// OpenDatabase opens the cache database for driver ("postgres" or "sqlite").
func OpenDatabase(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s cache: %w", driver, err)
	}
	return db, nil
}

// GormCache implements Cache on a gorm database.
type GormCache struct {
	db *gorm.DB
}

// NewGormCache migrates the schema and returns the cache.
func NewGormCache(db *gorm.DB) (*GormCache, error) {
	if db == nil {
		return nil, fmt.Errorf("cache database required")
	}
	if err := db.AutoMigrate(&BalanceRecord{}); err != nil {
		return nil, fmt.Errorf("migrate balance cache: %w", err)
	}
	return &GormCache{db: db}, nil
}

func (c *GormCache) LastKnown(ctx context.Context, address string) (map[string]string, error) {
	var records []BalanceRecord
	err := c.db.WithContext(ctx).
		Where("address = ?", normalizeAddress(address)).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("load cached balances: %w", err)
	}
	out := make(map[string]string, len(records))
	for _, record := range records {
		out[record.Symbol] = record.FreeBalance
	}
	return out, nil
}

// Save upserts the balance. A record older than the stored one is ignored.
func (c *GormCache) Save(ctx context.Context, address, symbol, balance string, at time.Time) error {
	record := BalanceRecord{
		Address:     normalizeAddress(address),
		Symbol:      symbol,
		FreeBalance: balance,
		UpdatedAt:   at.UTC(),
	}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}, {Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"free_balance", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "wallet_balances.updated_at <= excluded.updated_at"},
		}},
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("save cached balance: %w", err)
	}
	return nil
}

func normalizeAddress(address string) string {
	return strings.TrimSpace(address)
}
