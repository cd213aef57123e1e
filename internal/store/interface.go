// Package store defines the persistence contracts for the order stack. One
// repository per order tier plus position and audit-event stores. Every write
// is atomic at the record level; Put is idempotent for identical payloads.
package store

import (
	"context"
	"time"

	"strata/internal/orders"
)

// Filter narrows list queries. Zero values match everything.
type Filter struct {
	Instrument string
	Strategy   string
}

// PositionRecord is the booked position for one strategy in one instrument,
// updated only from confirmed fills.
type PositionRecord struct {
	Instrument string    `json:"instrument"`
	Strategy   string    `json:"strategy"`
	Quantity   float64   `json:"quantity"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EventKind classifies order audit events.
type EventKind string

const (
	EventSpawned   EventKind = "spawned"
	EventSubmitted EventKind = "submitted"
	EventFilled    EventKind = "filled"
	EventRejected  EventKind = "rejected"
	EventCancelled EventKind = "cancelled"
	EventCorrected EventKind = "corrected"
	EventArchived  EventKind = "archived"
)

// OrderEvent is one entry in the order audit trail.
type OrderEvent struct {
	ID      int64          `json:"id,omitempty"`
	OrderID string         `json:"order_id"`
	Tier    orders.Tier    `json:"tier"`
	Kind    EventKind      `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
	At      time.Time      `json:"at"`
}

type InstrumentOrders interface {
	Put(ctx context.Context, o *orders.InstrumentOrder) error
	Get(ctx context.Context, id string) (*orders.InstrumentOrder, error)
	Update(ctx context.Context, o *orders.InstrumentOrder) error
	ListActive(ctx context.Context, f Filter) ([]string, error)
}

type ContractOrders interface {
	Put(ctx context.Context, o *orders.ContractOrder) error
	Get(ctx context.Context, id string) (*orders.ContractOrder, error)
	Update(ctx context.Context, o *orders.ContractOrder) error
	ListActive(ctx context.Context, f Filter) ([]string, error)
	ListByParent(ctx context.Context, parentID string) ([]*orders.ContractOrder, error)
}

type BrokerOrders interface {
	Put(ctx context.Context, o *orders.BrokerOrder) error
	Get(ctx context.Context, id string) (*orders.BrokerOrder, error)
	Update(ctx context.Context, o *orders.BrokerOrder) error
	ListActive(ctx context.Context, f Filter) ([]string, error)
	ListByParent(ctx context.Context, parentID string) ([]*orders.BrokerOrder, error)
	GetByExternalID(ctx context.Context, externalID string) (*orders.BrokerOrder, error)
}

type Positions interface {
	Get(ctx context.Context, instrument, strategy string) (float64, error)
	Set(ctx context.Context, instrument, strategy string, qty float64) error
	List(ctx context.Context) ([]PositionRecord, error)
}

type OrderEvents interface {
	Append(ctx context.Context, ev OrderEvent) error
	ListByOrder(ctx context.Context, orderID string, limit int) ([]OrderEvent, error)
	ListSince(ctx context.Context, since time.Time, limit int) ([]OrderEvent, error)
}

// Store bundles the repositories backed by one database.
type Store interface {
	InstrumentOrders() InstrumentOrders
	ContractOrders() ContractOrders
	BrokerOrders() BrokerOrders
	Positions() Positions
	OrderEvents() OrderEvents

	// ArchiveTerminal stamps terminal orders older than the cutoff so list
	// queries skip them. Active orders are never archived.
	ArchiveTerminal(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}
