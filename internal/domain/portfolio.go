package domain

import (
	"math/big"
	"time"
)

// UserPortfolio is keyed by lowercase user address. Its numeric fields are
// replaced wholesale by UserPortfolioUpdated snapshots; Claimed adds to
// TotalWinnings.
type UserPortfolio struct {
	User          string    `json:"user"`
	TotalInvested *big.Int  `json:"total_invested"`
	TotalWinnings *big.Int  `json:"total_winnings"`
	UnrealizedPnL *big.Int  `json:"unrealized_pnl"`
	RealizedPnL   *big.Int  `json:"realized_pnl"`
	TradeCount    *big.Int  `json:"trade_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewUserPortfolio returns a portfolio with every numeric field at zero.
func NewUserPortfolio(user string) UserPortfolio {
	return UserPortfolio{
		User:          user,
		TotalInvested: new(big.Int),
		TotalWinnings: new(big.Int),
		UnrealizedPnL: new(big.Int),
		RealizedPnL:   new(big.Int),
		TradeCount:    new(big.Int),
	}
}

func (p UserPortfolio) Key() string { return p.User }

func (p UserPortfolio) Clone() UserPortfolio {
	out := p
	out.TotalInvested = cloneInt(p.TotalInvested)
	out.TotalWinnings = cloneInt(p.TotalWinnings)
	out.UnrealizedPnL = cloneInt(p.UnrealizedPnL)
	out.RealizedPnL = cloneInt(p.RealizedPnL)
	out.TradeCount = cloneInt(p.TradeCount)
	return out
}

// FreeMarketConfig tracks free-token participation for one market.
type FreeMarketConfig struct {
	MarketID                string    `json:"market_id"`
	MaxFreeParticipants     *big.Int  `json:"max_free_participants"`
	TokensPerParticipant    *big.Int  `json:"tokens_per_participant"`
	TotalPrizePool          *big.Int  `json:"total_prize_pool"`
	CurrentFreeParticipants uint64    `json:"current_free_participants"`
	IsActive                bool      `json:"is_active"`
	UpdatedAt               time.Time `json:"updated_at"`
}

func (c FreeMarketConfig) Key() string { return c.MarketID }

func (c FreeMarketConfig) Clone() FreeMarketConfig {
	out := c
	out.MaxFreeParticipants = cloneInt(c.MaxFreeParticipants)
	out.TokensPerParticipant = cloneInt(c.TokensPerParticipant)
	out.TotalPrizePool = cloneInt(c.TotalPrizePool)
	return out
}

// Full reports whether the participant cap has been reached. A zero cap means
// unlimited.
func (c FreeMarketConfig) Full() bool {
	limit := zeroIfNil(c.MaxFreeParticipants)
	if limit.Sign() == 0 {
		return false
	}
	return new(big.Int).SetUint64(c.CurrentFreeParticipants).Cmp(limit) >= 0
}
