package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountInfo is the broker's view of the trading account.
type AccountInfo struct {
	AccountID string          `json:"account_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Equity    decimal.Decimal `json:"equity"`
	Margin    decimal.Decimal `json:"margin"`
	Leverage  decimal.Decimal `json:"leverage"`
}

// Position is an open position on a symbol.
type Position struct {
	PositionID   string          `json:"position_id"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Size         decimal.Decimal `json:"size"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl"`
	OpenedAt     time.Time       `json:"opened_at"`
}
