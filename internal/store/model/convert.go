package model

import (
	"encoding/json"
	"time"

	"strata/internal/orders"

	"gorm.io/datatypes"
)

func NewInstrumentOrderModel(o *orders.InstrumentOrder) InstrumentOrderModel {
	return InstrumentOrderModel{
		OrderID:         o.ID,
		Instrument:      o.Instrument,
		Strategy:        o.Strategy,
		Quantity:        o.Quantity,
		OrderType:       string(o.Type),
		ReferencePrice:  o.ReferencePrice,
		MaxPositionSize: o.MaxPositionSize,
		Status:          string(o.Status),
		Filled:          o.Filled,
		Remaining:       o.Remaining,
		ChildIDs:        mustJSON(o.ChildOrderIDs),
		CreatedAtUnix:   timeToMillis(o.CreatedAt),
	}
}

func InstrumentOrderFromModel(m InstrumentOrderModel) *orders.InstrumentOrder {
	return &orders.InstrumentOrder{
		ID:              m.OrderID,
		Instrument:      m.Instrument,
		Strategy:        m.Strategy,
		Quantity:        m.Quantity,
		Type:            orders.OrderType(m.OrderType),
		ReferencePrice:  m.ReferencePrice,
		MaxPositionSize: m.MaxPositionSize,
		Status:          orders.Status(m.Status),
		Filled:          m.Filled,
		Remaining:       m.Remaining,
		ChildOrderIDs:   stringsFromJSON(m.ChildIDs),
		CreatedAt:       millisToTime(m.CreatedAtUnix),
	}
}

func NewContractOrderModel(o *orders.ContractOrder) ContractOrderModel {
	return ContractOrderModel{
		OrderID:       o.ID,
		ParentID:      o.ParentID,
		Instrument:    o.Contract.Instrument,
		Expiry:        o.Contract.Expiry,
		Quantity:      o.Quantity,
		OrderType:     string(o.Type),
		Status:        string(o.Status),
		Filled:        o.Filled,
		Remaining:     o.Remaining,
		ChildIDs:      mustJSON(o.ChildOrderIDs),
		CreatedAtUnix: timeToMillis(o.CreatedAt),
	}
}

func ContractOrderFromModel(m ContractOrderModel) *orders.ContractOrder {
	return &orders.ContractOrder{
		ID:            m.OrderID,
		ParentID:      m.ParentID,
		Contract:      orders.NewContractID(m.Instrument, m.Expiry),
		Quantity:      m.Quantity,
		Type:          orders.OrderType(m.OrderType),
		Status:        orders.Status(m.Status),
		Filled:        m.Filled,
		Remaining:     m.Remaining,
		ChildOrderIDs: stringsFromJSON(m.ChildIDs),
		CreatedAt:     millisToTime(m.CreatedAtUnix),
	}
}

func NewBrokerOrderModel(o *orders.BrokerOrder) BrokerOrderModel {
	return BrokerOrderModel{
		OrderID:         o.ID,
		ParentID:        o.ParentID,
		Instrument:      o.Contract.Instrument,
		Expiry:          o.Contract.Expiry,
		Account:         o.Account,
		Quantity:        o.Quantity,
		OrderType:       string(o.Type),
		ReferencePrice:  o.ReferencePrice,
		ExternalID:      o.ExternalID,
		Status:          string(o.Status),
		Fills:           mustJSON(o.Fills),
		Filled:          o.Filled,
		Remaining:       o.Remaining,
		AvgFillPrice:    o.AvgFillPrice,
		Slippage:        o.Slippage,
		RejectReason:    o.RejectReason,
		CreatedAtUnix:   timeToMillis(o.CreatedAt),
		SubmittedAtUnix: timeToMillis(o.SubmittedAt),
	}
}

func BrokerOrderFromModel(m BrokerOrderModel) *orders.BrokerOrder {
	return &orders.BrokerOrder{
		ID:             m.OrderID,
		ParentID:       m.ParentID,
		Contract:       orders.NewContractID(m.Instrument, m.Expiry),
		Account:        m.Account,
		Quantity:       m.Quantity,
		Type:           orders.OrderType(m.OrderType),
		ReferencePrice: m.ReferencePrice,
		ExternalID:     m.ExternalID,
		Status:         orders.Status(m.Status),
		Fills:          fillsFromJSON(m.Fills),
		Filled:         m.Filled,
		Remaining:      m.Remaining,
		AvgFillPrice:   m.AvgFillPrice,
		Slippage:       m.Slippage,
		RejectReason:   m.RejectReason,
		CreatedAt:      millisToTime(m.CreatedAtUnix),
		SubmittedAt:    millisToTime(m.SubmittedAtUnix),
	}
}

func mustJSON(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil || len(raw) == 0 {
		return datatypes.JSON([]byte("null"))
	}
	return datatypes.JSON(raw)
}

func stringsFromJSON(data datatypes.JSON) []string {
	if len(data) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func fillsFromJSON(data datatypes.JSON) []orders.Fill {
	if len(data) == 0 {
		return nil
	}
	var out []orders.Fill
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
