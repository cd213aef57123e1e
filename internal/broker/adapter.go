// Package broker defines the venue-facing side of the order stack and ships
// a simulated paper venue plus price sources.
package broker

import (
	"context"
	"errors"

	"strata/internal/orders"
)

// Adapter transmits broker orders to an execution venue.
type Adapter interface {
	// Submit places the order and returns the venue-assigned external id.
	// A *RejectionError means the venue refused the order outright.
	Submit(ctx context.Context, o *orders.BrokerOrder) (string, error)
	// Cancel cancels a working order by external id.
	Cancel(ctx context.Context, externalID string) error
}

// FillHandler consumes fill notifications from a venue.
type FillHandler interface {
	OnFill(ctx context.Context, externalID string, fill orders.Fill) error
}

// RejectionError marks a venue refusal. Rejections are terminal for the
// broker order, not transient failures worth retrying.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return "order rejected: " + e.Reason
}

// IsRejection reports whether err carries a venue rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}
