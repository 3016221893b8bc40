// Package store persists realized PnL, the audit trail and open-position
// snapshots in SQLite through gorm.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"quantcore/internal/lifecycle"
	"quantcore/internal/types"
)

var ErrClosed = errors.New("store closed")

// Audit event kinds.
const (
	KindEntry     = "entry"
	KindReject    = "reject"
	KindExit      = "exit"
	KindStopMoved = "stop_moved"
	KindFrozen    = "frozen"
	KindRecovered = "recovered"
)

type AuditEvent struct {
	ID      string         `json:"id"`
	Symbol  string         `json:"symbol"`
	Kind    string         `json:"kind"`
	Reason  types.Reason   `json:"reason"`
	Context map[string]any `json:"context,omitempty"`
	At      time.Time      `json:"at"`
}

// PositionSnapshot is the restart-recovery image of one open position
// together with the ids of its resting protective orders.
type PositionSnapshot struct {
	Position      lifecycle.Position `json:"position"`
	StopOrderID   string             `json:"stop_order_id,omitempty"`
	TargetOrderID string             `json:"target_order_id,omitempty"`
}

// Journal is what the trader needs from persistence.
type Journal interface {
	RecordPnL(ctx context.Context, rec lifecycle.PnLRecord) error
	RecordAudit(ctx context.Context, ev AuditEvent) error
	SavePosition(ctx context.Context, snap PositionSnapshot) error
	DeletePosition(ctx context.Context, symbol string) error
	LoadPositions(ctx context.Context) ([]PositionSnapshot, error)
	Close() error
}

type Store struct {
	mu sync.RWMutex
	db *gorm.DB
}

var _ Journal = (*Store)(nil)

// Open creates (or migrates) the database at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&pnlRecordModel{}, &auditEventModel{}, &positionSnapshotModel{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	s.db = nil
	return sqlDB.Close()
}

func (s *Store) conn(ctx context.Context) (*gorm.DB, error) {
	if s == nil {
		return nil, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db.WithContext(ctx), nil
}

func (s *Store) RecordPnL(ctx context.Context, rec lifecycle.PnLRecord) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	m := pnlRecordModel{
		Symbol:    rec.Symbol,
		Side:      rec.Side.String(),
		Entry:     rec.Entry,
		Exit:      rec.Exit,
		Amount:    rec.Amount,
		PnL:       rec.PnL,
		PnLPct:    rec.PnLPct,
		Leverage:  rec.Leverage,
		Reason:    rec.Reason.String(),
		Remaining: rec.Remaining,
		ClosedAt:  unixMilli(rec.At),
	}
	return db.Create(&m).Error
}

// ListPnL returns the most recent records, newest first.
func (s *Store) ListPnL(ctx context.Context, symbol string, limit int) ([]lifecycle.PnLRecord, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	q := db.Order("closed_at DESC, id DESC").Limit(limit)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var rows []pnlRecordModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]lifecycle.PnLRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, lifecycle.PnLRecord{
			Symbol:    r.Symbol,
			Side:      types.Side(r.Side),
			Entry:     r.Entry,
			Exit:      r.Exit,
			Amount:    r.Amount,
			PnL:       r.PnL,
			PnLPct:    r.PnLPct,
			Leverage:  r.Leverage,
			Reason:    types.Reason(r.Reason),
			Remaining: r.Remaining,
			At:        time.UnixMilli(r.ClosedAt).UTC(),
		})
	}
	return out, nil
}

func (s *Store) RecordAudit(ctx context.Context, ev AuditEvent) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	var raw datatypes.JSON
	if len(ev.Context) > 0 {
		b, err := json.Marshal(ev.Context)
		if err != nil {
			return fmt.Errorf("audit context: %w", err)
		}
		raw = datatypes.JSON(b)
	}
	m := auditEventModel{
		ID:        ev.ID,
		Symbol:    ev.Symbol,
		Kind:      ev.Kind,
		Reason:    ev.Reason.String(),
		Context:   raw,
		CreatedAt: unixMilli(ev.At),
	}
	return db.Create(&m).Error
}

// ListAudit returns the most recent events for symbol (all symbols when
// empty), newest first.
func (s *Store) ListAudit(ctx context.Context, symbol string, limit int) ([]AuditEvent, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	q := db.Order("created_at DESC").Limit(limit)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var rows []auditEventModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]AuditEvent, 0, len(rows))
	for _, r := range rows {
		ev := AuditEvent{
			ID:     r.ID,
			Symbol: r.Symbol,
			Kind:   r.Kind,
			Reason: types.Reason(r.Reason),
			At:     time.UnixMilli(r.CreatedAt).UTC(),
		}
		if len(r.Context) > 0 {
			if err := json.Unmarshal(r.Context, &ev.Context); err != nil {
				return nil, fmt.Errorf("audit %s context: %w", r.ID, err)
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

// SavePosition upserts the snapshot for the position's symbol. A closed
// position is removed instead.
func (s *Store) SavePosition(ctx context.Context, snap PositionSnapshot) error {
	if !snap.Position.Open() {
		return s.DeletePosition(ctx, snap.Position.Symbol)
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(snap.Position)
	if err != nil {
		return fmt.Errorf("position %s: %w", snap.Position.Symbol, err)
	}
	m := positionSnapshotModel{
		Symbol:        snap.Position.Symbol,
		State:         string(snap.Position.State),
		Position:      datatypes.JSON(body),
		StopOrderID:   snap.StopOrderID,
		TargetOrderID: snap.TargetOrderID,
		UpdatedAt:     unixMilli(snap.Position.UpdatedAt),
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "position", "stop_order_id", "target_order_id", "updated_at"}),
	}).Create(&m).Error
}

func (s *Store) DeletePosition(ctx context.Context, symbol string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return db.Where("symbol = ?", symbol).Delete(&positionSnapshotModel{}).Error
}

func (s *Store) LoadPositions(ctx context.Context) ([]PositionSnapshot, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []positionSnapshotModel
	if err := db.Order("symbol ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]PositionSnapshot, 0, len(rows))
	for _, r := range rows {
		var pos lifecycle.Position
		if err := json.Unmarshal(r.Position, &pos); err != nil {
			return nil, fmt.Errorf("position snapshot %s: %w", r.Symbol, err)
		}
		out = append(out, PositionSnapshot{Position: pos, StopOrderID: r.StopOrderID, TargetOrderID: r.TargetOrderID})
	}
	return out, nil
}
