package models

import (
	"fmt"
	"time"
)

// Finance event categories.
const (
	CategoryBill     = "bill"
	CategoryIncome   = "income"
	CategoryTransfer = "transfer"
)

// FinanceEvent is an internal financial event (bill, income, transfer)
// owned by the internal event store. The sync engine reads and, on the
// from_external path, writes these.
type FinanceEvent struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Category    string    `json:"category"`
	Title       string    `json:"title"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	DueDate     time.Time `json:"due_date"`
	Notes       string    `json:"notes"`
	Deleted     bool      `json:"deleted"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ValidCategory reports whether c is a known finance event category.
func ValidCategory(c string) bool {
	switch c {
	case CategoryBill, CategoryIncome, CategoryTransfer:
		return true
	}
	return false
}

// Amount formats the amount for display, e.g. "42.50 EUR".
func (e *FinanceEvent) Amount() string {
	sign := ""
	cents := e.AmountCents
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, cents/100, cents%100, e.Currency)
}
