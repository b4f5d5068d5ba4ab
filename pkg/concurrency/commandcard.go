package concurrency

import "fmt"

// CommandCard is the persistence shape of a POS command card (comanda),
// per spec.md §3 — specified only to the extent the concurrency and sync
// cores touch it. Grounded on original_source/src/command_card/ models.
type CommandCard struct {
	ID      string `json:"id"`
	Number  string `json:"number"`
	Status  string `json:"status"` // AVAILABLE|IN_USE|BLOCKED|LOST|DAMAGED|RESERVED
	StoreID string `json:"store_id"`
	Version int64  `json:"version"`
}

// SessionItem is one line item aggregated by a CommandSession.
type SessionItem struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// CommandSession is the running tab bound to a CommandCard.
type CommandSession struct {
	ID          string        `json:"id"`
	CardID      string        `json:"card_id"`
	Items       []SessionItem `json:"items"`
	TotalAmount float64       `json:"total_amount"`
	CreditLimit *float64      `json:"credit_limit,omitempty"`
	StoreID     string        `json:"store_id"`
	Version     int64         `json:"version"`
}

// Validate enforces spec.md §3's "must never allow total_amount >
// credit_limit when a credit_limit is set".
func (s CommandSession) Validate() error {
	if s.CreditLimit != nil && s.TotalAmount > *s.CreditLimit {
		return fmt.Errorf("total_amount %.2f exceeds credit_limit %.2f", s.TotalAmount, *s.CreditLimit)
	}
	return nil
}
