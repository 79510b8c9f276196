// Package events defines the order event contract and the Kafka transport
// around it: a producer used by the order write path and a consumer that
// drives the refresh pipeline, with retry and dead-letter handling.
package events

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderPlaced is emitted after an order is persisted. It is the only event
// that drives segment recomputation.
type OrderPlaced struct {
	UserID    string          `json:"user_id"`
	OrderID   string          `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	City      *string         `json:"city,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate checks the event carries the fields the pipeline depends on.
func (e *OrderPlaced) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("order event missing user_id")
	}
	if e.OrderID == "" {
		return fmt.Errorf("order event missing order_id")
	}
	return nil
}
