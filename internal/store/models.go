package store

import (
	"time"

	"gorm.io/datatypes"
)

type pnlRecordModel struct {
	ID        int64   `gorm:"column:id;primaryKey"`
	Symbol    string  `gorm:"column:symbol;index"`
	Side      string  `gorm:"column:side"`
	Entry     float64 `gorm:"column:entry_price"`
	Exit      float64 `gorm:"column:exit_price"`
	Amount    float64 `gorm:"column:amount"`
	PnL       float64 `gorm:"column:pnl"`
	PnLPct    float64 `gorm:"column:pnl_pct"`
	Leverage  float64 `gorm:"column:leverage"`
	Reason    string  `gorm:"column:reason"`
	Remaining float64 `gorm:"column:remaining"`
	ClosedAt  int64   `gorm:"column:closed_at;index"`
}

func (pnlRecordModel) TableName() string { return "pnl_records" }

type auditEventModel struct {
	ID        string         `gorm:"column:id;primaryKey"`
	Symbol    string         `gorm:"column:symbol;index"`
	Kind      string         `gorm:"column:kind;index"`
	Reason    string         `gorm:"column:reason"`
	Context   datatypes.JSON `gorm:"column:context;type:TEXT"`
	CreatedAt int64          `gorm:"column:created_at;index"`
}

func (auditEventModel) TableName() string { return "audit_events" }

type positionSnapshotModel struct {
	Symbol        string         `gorm:"column:symbol;primaryKey"`
	State         string         `gorm:"column:state"`
	Position      datatypes.JSON `gorm:"column:position;type:TEXT"`
	StopOrderID   string         `gorm:"column:stop_order_id"`
	TargetOrderID string         `gorm:"column:target_order_id"`
	UpdatedAt     int64          `gorm:"column:updated_at"`
}

func (positionSnapshotModel) TableName() string { return "position_snapshots" }

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}
