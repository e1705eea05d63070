package domain

import (
	"math/big"
	"time"
)

// Trade is written once per tradeId from a TradeExecuted event.
type Trade struct {
	ID        string    `json:"id"`
	MarketID  string    `json:"market_id"`
	OptionID  int64     `json:"option_id"`
	Buyer     string    `json:"buyer"`
	Seller    string    `json:"seller"`
	Price     *big.Int  `json:"price"`
	Quantity  *big.Int  `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
	EventID   EventID   `json:"event_id"`
	Block     uint64    `json:"block_number"`
}

func (t Trade) Key() string { return t.ID }

func (t Trade) Clone() Trade {
	out := t
	out.Price = cloneInt(t.Price)
	out.Quantity = cloneInt(t.Quantity)
	return out
}

// PricePointKey identifies one price history point. Points falling in the
// same second overwrite each other.
type PricePointKey struct {
	MarketID  string
	OptionID  int64
	Timestamp int64
}

// PricePoint is derived from trades.
type PricePoint struct {
	MarketID  string    `json:"market_id"`
	OptionID  int64     `json:"option_id"`
	Price     *big.Int  `json:"price"`
	Volume    *big.Int  `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

func (p PricePoint) Key() PricePointKey {
	return PricePointKey{MarketID: p.MarketID, OptionID: p.OptionID, Timestamp: p.Timestamp.Unix()}
}

func (p PricePoint) Clone() PricePoint {
	out := p
	out.Price = cloneInt(p.Price)
	out.Volume = cloneInt(p.Volume)
	return out
}

// TimeRange bounds a price history query. Nil ends are open.
type TimeRange struct {
	From *time.Time
	To   *time.Time
}

// Contains reports whether t is inside the range, both ends inclusive.
func (r TimeRange) Contains(t time.Time) bool {
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && t.After(*r.To) {
		return false
	}
	return true
}
