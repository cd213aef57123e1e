// Package orders defines the three-tier order hierarchy used to move a
// strategy position change through execution: an instrument order is split
// into contract orders by delivery month, and each contract order is split
// into broker orders that are actually placed at a venue. Tiers link parent
// to child by id only; fills are recorded at the broker tier and propagated
// upward by the stack handler.
package orders

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// QtyEpsilon is the tolerance below which a remaining quantity counts as
// zero. Contract quantities are whole in practice but arrive as floats.
const QtyEpsilon = 1e-3

type Tier string

const (
	TierInstrument Tier = "instrument"
	TierContract   Tier = "contract"
	TierBroker     Tier = "broker"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusSubmitted       Status = "submitted"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusRejected        Status = "rejected"
	StatusCancelled       Status = "cancelled"
)

type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
	TypeBest   OrderType = "best"
)

func ValidOrderType(t OrderType) bool {
	switch t {
	case TypeMarket, TypeLimit, TypeBest:
		return true
	}
	return false
}

// Fill is one execution report from a venue.
type Fill struct {
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Commission float64   `json:"commission,omitempty"`
	FilledAt   time.Time `json:"filled_at"`
}

// InstrumentOrder is the top tier: a desired position change for one
// instrument within one strategy.
type InstrumentOrder struct {
	ID              string    `json:"id"`
	Instrument      string    `json:"instrument"`
	Strategy        string    `json:"strategy"`
	Quantity        float64   `json:"quantity"`
	Type            OrderType `json:"type"`
	ReferencePrice  float64   `json:"reference_price,omitempty"`
	MaxPositionSize float64   `json:"max_position_size,omitempty"`
	Status          Status    `json:"status"`
	Filled          float64   `json:"filled"`
	Remaining       float64   `json:"remaining"`
	ChildOrderIDs   []string  `json:"child_order_ids,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ContractOrder is the middle tier: the slice of an instrument order
// allocated to a single delivery month.
type ContractOrder struct {
	ID            string     `json:"id"`
	ParentID      string     `json:"parent_id"`
	Contract      ContractID `json:"contract"`
	Quantity      float64    `json:"quantity"`
	Type          OrderType  `json:"type"`
	Status        Status     `json:"status"`
	Filled        float64    `json:"filled"`
	Remaining     float64    `json:"remaining"`
	ChildOrderIDs []string   `json:"child_order_ids,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// BrokerOrder is the bottom tier: what is actually sent to a venue, with
// the execution history against it.
type BrokerOrder struct {
	ID             string     `json:"id"`
	ParentID       string     `json:"parent_id"`
	Contract       ContractID `json:"contract"`
	Account        string     `json:"account,omitempty"`
	Quantity       float64    `json:"quantity"`
	Type           OrderType  `json:"type"`
	ReferencePrice float64    `json:"reference_price,omitempty"`
	ExternalID     string     `json:"external_id,omitempty"`
	Status         Status     `json:"status"`
	Fills          []Fill     `json:"fills,omitempty"`
	Filled         float64    `json:"filled"`
	Remaining      float64    `json:"remaining"`
	AvgFillPrice   float64    `json:"avg_fill_price,omitempty"`
	Slippage       float64    `json:"slippage,omitempty"`
	RejectReason   string     `json:"reject_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	SubmittedAt    time.Time  `json:"submitted_at,omitempty"`
}

// NewInstrumentOrder mints a pending top-tier order for a signed quantity.
func NewInstrumentOrder(instrument, strategy string, qty float64, typ OrderType, refPrice float64) *InstrumentOrder {
	return &InstrumentOrder{
		ID:             uuid.NewString(),
		Instrument:     strings.ToUpper(strings.TrimSpace(instrument)),
		Strategy:       strings.TrimSpace(strategy),
		Quantity:       qty,
		Type:           typ,
		ReferencePrice: refPrice,
		Status:         StatusPending,
		Remaining:      qty,
		CreatedAt:      time.Now().UTC(),
	}
}

func (o *InstrumentOrder) Validate() error {
	if o == nil {
		return fmt.Errorf("instrument order is nil")
	}
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("instrument order missing id")
	}
	if strings.TrimSpace(o.Instrument) == "" {
		return fmt.Errorf("instrument order %s missing instrument", o.ID)
	}
	if strings.TrimSpace(o.Strategy) == "" {
		return fmt.Errorf("instrument order %s missing strategy", o.ID)
	}
	if math.Abs(o.Quantity) < QtyEpsilon {
		return fmt.Errorf("instrument order %s has zero quantity", o.ID)
	}
	if !ValidOrderType(o.Type) {
		return fmt.Errorf("instrument order %s has invalid type %q", o.ID, o.Type)
	}
	return nil
}

// ApplyFill accumulates a signed fill quantity and keeps
// filled + remaining == quantity.
func (o *InstrumentOrder) ApplyFill(qty float64) {
	o.Filled = decToFloat(decFromFloat(o.Filled).Add(decFromFloat(qty)))
	o.refreshProgress()
}

// SetFilled overwrites accumulated progress, used by reconciliation when the
// children are the source of truth.
func (o *InstrumentOrder) SetFilled(filled float64) {
	o.Filled = filled
	o.refreshProgress()
}

func (o *InstrumentOrder) refreshProgress() {
	o.Remaining = decToFloat(decFromFloat(o.Quantity).Sub(decFromFloat(o.Filled)))
	if o.Terminal() {
		return
	}
	switch {
	case math.Abs(o.Remaining) < QtyEpsilon:
		o.Status = StatusFilled
	case math.Abs(o.Filled) >= QtyEpsilon:
		o.Status = StatusPartiallyFilled
	}
}

// SpawnChildren creates one contract order per allocated delivery month,
// skipping slices below minTradeSize. The absolute allocated total must not
// exceed the parent quantity and every slice must trade in the parent's
// direction.
func (o *InstrumentOrder) SpawnChildren(alloc map[ContractID]float64, minTradeSize float64) ([]*ContractOrder, error) {
	if len(alloc) == 0 {
		return nil, fmt.Errorf("instrument order %s: empty contract allocation", o.ID)
	}
	total := decimalZero
	children := make([]*ContractOrder, 0, len(alloc))
	for contract, qty := range alloc {
		if err := contract.Validate(); err != nil {
			return nil, fmt.Errorf("instrument order %s: %w", o.ID, err)
		}
		if math.Abs(qty) < QtyEpsilon {
			continue
		}
		if qty*o.Quantity < 0 {
			return nil, fmt.Errorf("instrument order %s: allocation for %s trades against the order", o.ID, contract)
		}
		total = total.Add(decFromFloat(qty).Abs())
		if math.Abs(qty) < minTradeSize {
			continue
		}
		children = append(children, &ContractOrder{
			ID:        uuid.NewString(),
			ParentID:  o.ID,
			Contract:  contract,
			Quantity:  qty,
			Type:      o.Type,
			Status:    StatusPending,
			Remaining: qty,
			CreatedAt: time.Now().UTC(),
		})
	}
	if decToFloat(total) > math.Abs(o.Quantity)+QtyEpsilon {
		return nil, fmt.Errorf("instrument order %s: allocation %.4f exceeds order quantity %.4f",
			o.ID, decToFloat(total), math.Abs(o.Quantity))
	}
	for _, child := range children {
		o.ChildOrderIDs = append(o.ChildOrderIDs, child.ID)
	}
	return children, nil
}

func (o *InstrumentOrder) Terminal() bool {
	return o.Status == StatusFilled || o.Status == StatusCancelled
}

func (o *InstrumentOrder) Active() bool { return !o.Terminal() }

// Cancel moves the order to cancelled; terminal orders stay as they are.
func (o *InstrumentOrder) Cancel() error {
	if o.Terminal() {
		return fmt.Errorf("instrument order %s already %s", o.ID, o.Status)
	}
	o.Status = StatusCancelled
	return nil
}

func (o *ContractOrder) Validate() error {
	if o == nil {
		return fmt.Errorf("contract order is nil")
	}
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("contract order missing id")
	}
	if strings.TrimSpace(o.ParentID) == "" {
		return fmt.Errorf("contract order %s missing parent id", o.ID)
	}
	if err := o.Contract.Validate(); err != nil {
		return fmt.Errorf("contract order %s: %w", o.ID, err)
	}
	if math.Abs(o.Quantity) < QtyEpsilon {
		return fmt.Errorf("contract order %s has zero quantity", o.ID)
	}
	if !ValidOrderType(o.Type) {
		return fmt.Errorf("contract order %s has invalid type %q", o.ID, o.Type)
	}
	return nil
}

func (o *ContractOrder) ApplyFill(qty float64) {
	o.Filled = decToFloat(decFromFloat(o.Filled).Add(decFromFloat(qty)))
	o.refreshProgress()
}

func (o *ContractOrder) SetFilled(filled float64) {
	o.Filled = filled
	o.refreshProgress()
}

func (o *ContractOrder) refreshProgress() {
	o.Remaining = decToFloat(decFromFloat(o.Quantity).Sub(decFromFloat(o.Filled)))
	if o.Terminal() {
		return
	}
	switch {
	case math.Abs(o.Remaining) < QtyEpsilon:
		o.Status = StatusFilled
	case math.Abs(o.Filled) >= QtyEpsilon:
		o.Status = StatusPartiallyFilled
	}
}

// SpawnChildren splits the contract order across broker accounts. An empty
// account key places the whole order on the default account.
func (o *ContractOrder) SpawnChildren(alloc map[string]float64, refPrice float64) ([]*BrokerOrder, error) {
	if len(alloc) == 0 {
		return nil, fmt.Errorf("contract order %s: empty account allocation", o.ID)
	}
	total := decimalZero
	children := make([]*BrokerOrder, 0, len(alloc))
	for account, qty := range alloc {
		if math.Abs(qty) < QtyEpsilon {
			continue
		}
		if qty*o.Quantity < 0 {
			return nil, fmt.Errorf("contract order %s: allocation for account %q trades against the order", o.ID, account)
		}
		total = total.Add(decFromFloat(qty).Abs())
		children = append(children, &BrokerOrder{
			ID:             uuid.NewString(),
			ParentID:       o.ID,
			Contract:       o.Contract,
			Account:        strings.TrimSpace(account),
			Quantity:       qty,
			Type:           o.Type,
			ReferencePrice: refPrice,
			Status:         StatusPending,
			Remaining:      qty,
			CreatedAt:      time.Now().UTC(),
		})
	}
	if decToFloat(total) > math.Abs(o.Quantity)+QtyEpsilon {
		return nil, fmt.Errorf("contract order %s: allocation %.4f exceeds order quantity %.4f",
			o.ID, decToFloat(total), math.Abs(o.Quantity))
	}
	for _, child := range children {
		o.ChildOrderIDs = append(o.ChildOrderIDs, child.ID)
	}
	return children, nil
}

func (o *ContractOrder) Terminal() bool {
	return o.Status == StatusFilled || o.Status == StatusCancelled
}

func (o *ContractOrder) Active() bool { return !o.Terminal() }

func (o *ContractOrder) Cancel() error {
	if o.Terminal() {
		return fmt.Errorf("contract order %s already %s", o.ID, o.Status)
	}
	o.Status = StatusCancelled
	return nil
}

func (o *BrokerOrder) Validate() error {
	if o == nil {
		return fmt.Errorf("broker order is nil")
	}
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("broker order missing id")
	}
	if strings.TrimSpace(o.ParentID) == "" {
		return fmt.Errorf("broker order %s missing parent id", o.ID)
	}
	if err := o.Contract.Validate(); err != nil {
		return fmt.Errorf("broker order %s: %w", o.ID, err)
	}
	if math.Abs(o.Quantity) < QtyEpsilon {
		return fmt.Errorf("broker order %s has zero quantity", o.ID)
	}
	if !ValidOrderType(o.Type) {
		return fmt.Errorf("broker order %s has invalid type %q", o.ID, o.Type)
	}
	return nil
}

// RecordFill appends an execution and recomputes progress, the weighted
// average fill price and the slippage against the reference price.
func (o *BrokerOrder) RecordFill(f Fill) error {
	if o.Terminal() {
		return fmt.Errorf("broker order %s already %s, fill dropped", o.ID, o.Status)
	}
	if math.Abs(f.Quantity) < QtyEpsilon {
		return fmt.Errorf("broker order %s: zero-quantity fill", o.ID)
	}
	if f.Quantity*o.Quantity < 0 {
		return fmt.Errorf("broker order %s: fill direction %+.4f opposes order quantity %+.4f",
			o.ID, f.Quantity, o.Quantity)
	}
	if f.FilledAt.IsZero() {
		f.FilledAt = time.Now().UTC()
	}
	o.Fills = append(o.Fills, f)
	o.Filled = sumFillQty(o.Fills)
	o.Remaining = decToFloat(decFromFloat(o.Quantity).Sub(decFromFloat(o.Filled)))
	o.AvgFillPrice = weightedAvgPrice(o.Fills)
	o.Slippage = signedSlippage(o.Quantity, o.AvgFillPrice, o.ReferencePrice)
	switch {
	case math.Abs(o.Remaining) < QtyEpsilon:
		o.Status = StatusFilled
	default:
		o.Status = StatusPartiallyFilled
	}
	return nil
}

// MarkSubmitted records venue acceptance and the id the venue will use in
// subsequent execution reports.
func (o *BrokerOrder) MarkSubmitted(externalID string) error {
	if o.Status != StatusPending {
		return fmt.Errorf("broker order %s cannot be submitted from %s", o.ID, o.Status)
	}
	o.ExternalID = strings.TrimSpace(externalID)
	o.Status = StatusSubmitted
	o.SubmittedAt = time.Now().UTC()
	return nil
}

// MarkRejected is terminal: a venue refusal is never retried automatically.
func (o *BrokerOrder) MarkRejected(reason string) {
	o.Status = StatusRejected
	o.RejectReason = strings.TrimSpace(reason)
}

func (o *BrokerOrder) Terminal() bool {
	return o.Status == StatusFilled || o.Status == StatusCancelled || o.Status == StatusRejected
}

func (o *BrokerOrder) Active() bool { return !o.Terminal() }

func (o *BrokerOrder) Cancel() error {
	if o.Terminal() {
		return fmt.Errorf("broker order %s already %s", o.ID, o.Status)
	}
	o.Status = StatusCancelled
	return nil
}

// SameCreation reports whether two orders describe the same creation payload,
// ignoring execution progress. The store uses it to treat a replayed insert
// of the same order as a no-op.
func (o *InstrumentOrder) SameCreation(other *InstrumentOrder) bool {
	return other != nil &&
		o.ID == other.ID &&
		o.Instrument == other.Instrument &&
		o.Strategy == other.Strategy &&
		o.Type == other.Type &&
		decFromFloat(o.Quantity).Equal(decFromFloat(other.Quantity)) &&
		decFromFloat(o.ReferencePrice).Equal(decFromFloat(other.ReferencePrice))
}

func (o *ContractOrder) SameCreation(other *ContractOrder) bool {
	return other != nil &&
		o.ID == other.ID &&
		o.ParentID == other.ParentID &&
		o.Contract == other.Contract &&
		o.Type == other.Type &&
		decFromFloat(o.Quantity).Equal(decFromFloat(other.Quantity))
}

func (o *BrokerOrder) SameCreation(other *BrokerOrder) bool {
	return other != nil &&
		o.ID == other.ID &&
		o.ParentID == other.ParentID &&
		o.Contract == other.Contract &&
		o.Account == other.Account &&
		o.Type == other.Type &&
		decFromFloat(o.Quantity).Equal(decFromFloat(other.Quantity)) &&
		decFromFloat(o.ReferencePrice).Equal(decFromFloat(other.ReferencePrice))
}
