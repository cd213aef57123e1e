// Package model holds the gorm table mappings for the order stack database
// and the converters between rows and domain orders.
package model

import (
	"gorm.io/datatypes"
)

type InstrumentOrderModel struct {
	ID              int64          `gorm:"column:id;primaryKey"`
	OrderID         string         `gorm:"column:order_id;uniqueIndex"`
	Instrument      string         `gorm:"column:instrument;index:idx_instrument_orders_scope,priority:1"`
	Strategy        string         `gorm:"column:strategy;index:idx_instrument_orders_scope,priority:2"`
	Quantity        float64        `gorm:"column:quantity"`
	OrderType       string         `gorm:"column:order_type"`
	ReferencePrice  float64        `gorm:"column:reference_price"`
	MaxPositionSize float64        `gorm:"column:max_position_size"`
	Status          string         `gorm:"column:status;index"`
	Filled          float64        `gorm:"column:filled"`
	Remaining       float64        `gorm:"column:remaining"`
	ChildIDs        datatypes.JSON `gorm:"column:child_ids;type:TEXT"`
	CreatedAtUnix   int64          `gorm:"column:created_at"`
	ArchivedAtUnix  int64          `gorm:"column:archived_at"`
}

func (InstrumentOrderModel) TableName() string { return "instrument_orders" }

type ContractOrderModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	OrderID        string         `gorm:"column:order_id;uniqueIndex"`
	ParentID       string         `gorm:"column:parent_id;index"`
	Instrument     string         `gorm:"column:instrument;index"`
	Expiry         string         `gorm:"column:expiry"`
	Quantity       float64        `gorm:"column:quantity"`
	OrderType      string         `gorm:"column:order_type"`
	Status         string         `gorm:"column:status;index"`
	Filled         float64        `gorm:"column:filled"`
	Remaining      float64        `gorm:"column:remaining"`
	ChildIDs       datatypes.JSON `gorm:"column:child_ids;type:TEXT"`
	CreatedAtUnix  int64          `gorm:"column:created_at"`
	ArchivedAtUnix int64          `gorm:"column:archived_at"`
}

func (ContractOrderModel) TableName() string { return "contract_orders" }

type BrokerOrderModel struct {
	ID              int64          `gorm:"column:id;primaryKey"`
	OrderID         string         `gorm:"column:order_id;uniqueIndex"`
	ParentID        string         `gorm:"column:parent_id;index"`
	Instrument      string         `gorm:"column:instrument;index"`
	Expiry          string         `gorm:"column:expiry"`
	Account         string         `gorm:"column:account"`
	Quantity        float64        `gorm:"column:quantity"`
	OrderType       string         `gorm:"column:order_type"`
	ReferencePrice  float64        `gorm:"column:reference_price"`
	ExternalID      string         `gorm:"column:external_id;index"`
	Status          string         `gorm:"column:status;index"`
	Fills           datatypes.JSON `gorm:"column:fills;type:TEXT"`
	Filled          float64        `gorm:"column:filled"`
	Remaining       float64        `gorm:"column:remaining"`
	AvgFillPrice    float64        `gorm:"column:avg_fill_price"`
	Slippage        float64        `gorm:"column:slippage"`
	RejectReason    string         `gorm:"column:reject_reason"`
	CreatedAtUnix   int64          `gorm:"column:created_at"`
	SubmittedAtUnix int64          `gorm:"column:submitted_at"`
	ArchivedAtUnix  int64          `gorm:"column:archived_at"`
}

func (BrokerOrderModel) TableName() string { return "broker_orders" }

type PositionModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	Instrument    string  `gorm:"column:instrument;uniqueIndex:idx_position_scope,priority:1"`
	Strategy      string  `gorm:"column:strategy;uniqueIndex:idx_position_scope,priority:2"`
	Quantity      float64 `gorm:"column:quantity"`
	UpdatedAtUnix int64   `gorm:"column:updated_at"`
}

func (PositionModel) TableName() string { return "position_records" }

type OrderEventModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	OrderID       string         `gorm:"column:order_id;index"`
	Tier          string         `gorm:"column:tier"`
	Kind          string         `gorm:"column:kind"`
	Details       datatypes.JSON `gorm:"column:details;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (OrderEventModel) TableName() string { return "order_events" }
