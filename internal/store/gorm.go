package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DoyleJ11/cha-panelas/internal/engine"
	"github.com/DoyleJ11/cha-panelas/internal/types"
)

const pgUniqueViolation = "23505"

type itemRow struct {
	ID        int64  `gorm:"primaryKey"`
	Name      string `gorm:"column:nome_item;uniqueIndex;not null"`
	Available bool   `gorm:"column:disponivel;not null;index"`
}

func (itemRow) TableName() string { return "itens" }

type guestRow struct {
	ID        int64     `gorm:"primaryKey"`
	Name      string    `gorm:"column:nome;uniqueIndex;not null"`
	ItemID    *int64    `gorm:"column:item_escolhido;index"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
}

func (guestRow) TableName() string { return "convidados" }

// Postgres is the gorm-backed Store. Claim, release and remove each run in one
// transaction with the guest row locked.
type Postgres struct {
	db   *gorm.DB
	seed []string
	log  *zap.Logger
}

// OpenPostgres connects with exponential backoff (at most retries extra
// attempts), migrates the schema and seeds the items when the table is empty.
func OpenPostgres(ctx context.Context, dsn string, retries uint64, seed []string, log *zap.Logger) (*Postgres, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var db *gorm.DB
	connect := func() error {
		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)
	err := backoff.RetryNotify(connect, policy, func(err error, wait time.Duration) {
		log.Warn("database not ready", zap.Error(err), zap.Duration("retry_in", wait))
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	p := &Postgres{db: db, seed: seed, log: log}
	if err := p.migrate(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	db := p.db.WithContext(ctx)
	if err := db.AutoMigrate(&itemRow{}, &guestRow{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	var n int64
	if err := db.Model(&itemRow{}).Count(&n).Error; err != nil {
		return fmt.Errorf("count items: %w", err)
	}
	if n == 0 {
		return seedItems(db, p.seed)
	}
	return nil
}

func seedItems(tx *gorm.DB, names []string) error {
	if len(names) == 0 {
		return nil
	}
	rows := make([]itemRow, 0, len(names))
	for _, n := range names {
		rows = append(rows, itemRow{Name: n, Available: true})
	}
	if err := tx.Create(&rows).Error; err != nil {
		return fmt.Errorf("seed items: %w", err)
	}
	return nil
}

func (p *Postgres) Available(ctx context.Context) ([]types.Item, error) {
	var rows []itemRow
	err := p.db.WithContext(ctx).Where("disponivel = ?", true).Order("nome_item").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.Item, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.Item{ID: r.ID, Name: r.Name})
	}
	return out, nil
}

func (p *Postgres) Guests(ctx context.Context, q string) ([]types.Guest, error) {
	var rows []struct {
		ID        int64
		Nome      string
		Item      *string
		CreatedAt time.Time
	}
	tx := p.db.WithContext(ctx).
		Table("convidados c").
		Select("c.id, c.nome, i.nome_item AS item, c.created_at").
		Joins("LEFT JOIN itens i ON i.id = c.item_escolhido").
		Order("c.created_at DESC")
	if q = strings.TrimSpace(q); q != "" {
		tx = tx.Where("lower(c.nome) LIKE ?", "%"+strings.ToLower(q)+"%")
	}
	if err := tx.Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Guest, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.Guest{ID: r.ID, Name: r.Nome, Item: r.Item, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

func (p *Postgres) Stats(ctx context.Context) (types.Stats, error) {
	db := p.db.WithContext(ctx)
	var guests, withItem, items, available int64
	counts := []struct {
		q   *gorm.DB
		dst *int64
	}{
		{db.Model(&guestRow{}), &guests},
		{db.Model(&guestRow{}).Where("item_escolhido IS NOT NULL"), &withItem},
		{db.Model(&itemRow{}), &items},
		{db.Model(&itemRow{}).Where("disponivel = ?", true), &available},
	}
	for _, c := range counts {
		if err := c.q.Count(c.dst).Error; err != nil {
			return types.Stats{}, err
		}
	}
	st := types.Stats{
		TotalGuests:    int(guests),
		WithItem:       int(withItem),
		WithoutItem:    int(guests - withItem),
		TotalItems:     int(items),
		ItemsAvailable: int(available),
		ItemsClaimed:   int(items - available),
	}
	st.PercentClaimed = engine.Percent(st.ItemsClaimed, st.TotalItems)
	return st, nil
}

func (p *Postgres) Register(ctx context.Context, name string) (int64, []engine.Event, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, nil, engine.ErrInvalidName
	}
	row := guestRow{Name: name}
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&guestRow{}).Where("lower(nome) = lower(?)", name).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return engine.ErrDuplicateName
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, nil, engine.ErrDuplicateName
		}
		return 0, nil, err
	}
	return row.ID, []engine.Event{{Type: engine.EvtGuestRegistered, GuestID: row.ID}}, nil
}

func lockGuest(tx *gorm.DB, guestID int64) (guestRow, error) {
	var g guestRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&g, guestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return g, engine.ErrGuestNotFound
	}
	return g, err
}

func (p *Postgres) Claim(ctx context.Context, guestID, itemID int64) ([]engine.Event, error) {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := lockGuest(tx, guestID)
		if err != nil {
			return err
		}
		if g.ItemID != nil {
			return engine.ErrAlreadyClaimed
		}
		res := tx.Model(&itemRow{}).
			Where("id = ? AND disponivel = ?", itemID, true).
			Update("disponivel", false)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return engine.ErrItemTaken
		}
		return tx.Model(&guestRow{}).
			Where("id = ? AND item_escolhido IS NULL", guestID).
			Update("item_escolhido", itemID).Error
	})
	if err != nil {
		return nil, err
	}
	return []engine.Event{{Type: engine.EvtItemClaimed, GuestID: guestID, ItemID: itemID}}, nil
}

func (p *Postgres) Release(ctx context.Context, guestID int64) ([]engine.Event, error) {
	var itemID int64
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := lockGuest(tx, guestID)
		if errors.Is(err, engine.ErrGuestNotFound) || (err == nil && g.ItemID == nil) {
			return engine.ErrNothingToRelease
		}
		if err != nil {
			return err
		}
		itemID = *g.ItemID
		if err := tx.Model(&guestRow{}).Where("id = ?", guestID).Update("item_escolhido", nil).Error; err != nil {
			return err
		}
		return tx.Model(&itemRow{}).Where("id = ?", itemID).Update("disponivel", true).Error
	})
	if err != nil {
		return nil, err
	}
	return []engine.Event{{Type: engine.EvtItemReleased, GuestID: guestID, ItemID: itemID}}, nil
}

func (p *Postgres) Remove(ctx context.Context, guestID int64) ([]engine.Event, error) {
	var events []engine.Event
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := lockGuest(tx, guestID)
		if err != nil {
			return err
		}
		if g.ItemID != nil {
			if err := tx.Model(&itemRow{}).Where("id = ?", *g.ItemID).Update("disponivel", true).Error; err != nil {
				return err
			}
			events = append(events, engine.Event{Type: engine.EvtItemReleased, GuestID: guestID, ItemID: *g.ItemID})
		}
		if err := tx.Delete(&guestRow{}, guestID).Error; err != nil {
			return err
		}
		events = append(events, engine.Event{Type: engine.EvtGuestRemoved, GuestID: guestID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (p *Postgres) Reset(ctx context.Context) ([]engine.Event, error) {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("TRUNCATE convidados, itens RESTART IDENTITY").Error; err != nil {
			return err
		}
		return seedItems(tx, p.seed)
	})
	if err != nil {
		return nil, err
	}
	p.log.Warn("store reset")
	return []engine.Event{{Type: engine.EvtReset}}, nil
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
