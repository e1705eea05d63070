package domain

import (
	"math/big"
	"time"
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	StatusOpen        MarketStatus = "open"
	StatusDisputed    MarketStatus = "disputed"
	StatusResolved    MarketStatus = "resolved"
	StatusInvalidated MarketStatus = "invalidated"
)

// Terminal reports whether no further lifecycle transition is accepted.
func (s MarketStatus) Terminal() bool {
	return s == StatusResolved || s == StatusInvalidated
}

// Market is the aggregate built from MarketCreated and the lifecycle events.
type Market struct {
	ID                 string       `json:"id"`
	Question           string       `json:"question"`
	Options            []string     `json:"options"`
	EndTime            time.Time    `json:"end_time"`
	Category           string       `json:"category"`
	MarketType         uint8        `json:"market_type"`
	Creator            string       `json:"creator"`
	Status             MarketStatus `json:"status"`
	Resolved           bool         `json:"resolved"`
	WinningOptionID    *int64       `json:"winning_option_id,omitempty"`
	Invalidated        bool         `json:"invalidated"`
	TotalVolume        *big.Int     `json:"total_volume"`
	FreeMarketConfigID *string      `json:"free_market_config_id,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Key implements the projector's keyed aggregate contract.
func (m Market) Key() string { return m.ID }

// Clone returns a deep copy of m.
func (m Market) Clone() Market {
	out := m
	out.Options = append([]string(nil), m.Options...)
	out.TotalVolume = cloneInt(m.TotalVolume)
	if m.WinningOptionID != nil {
		v := *m.WinningOptionID
		out.WinningOptionID = &v
	}
	if m.FreeMarketConfigID != nil {
		v := *m.FreeMarketConfigID
		out.FreeMarketConfigID = &v
	}
	return out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// zeroIfNil returns v or a fresh zero.
func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
