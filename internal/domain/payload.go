package domain

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AddressKey renders an address in the lowercase form used as aggregate and
// filter key.
func AddressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

type MarketCreated struct {
	MarketID   string
	Creator    common.Address
	Question   string
	Options    []string
	EndTime    time.Time
	Category   string
	MarketType uint8
}

func (MarketCreated) Kind() Kind          { return KindMarketCreated }
func (p MarketCreated) MarketKey() string { return p.MarketID }
func (p MarketCreated) UserKey() string   { return AddressKey(p.Creator) }

type MarketResolved struct {
	MarketID        string
	WinningOptionID int64
	Resolver        common.Address
}

func (MarketResolved) Kind() Kind          { return KindMarketResolved }
func (p MarketResolved) MarketKey() string { return p.MarketID }

type MarketDisputed struct {
	MarketID string
	Disputer common.Address
	Reason   string
}

func (MarketDisputed) Kind() Kind          { return KindMarketDisputed }
func (p MarketDisputed) MarketKey() string { return p.MarketID }
func (p MarketDisputed) UserKey() string   { return AddressKey(p.Disputer) }

type MarketInvalidated struct {
	MarketID string
	Reason   string
}

func (MarketInvalidated) Kind() Kind          { return KindMarketInvalidated }
func (p MarketInvalidated) MarketKey() string { return p.MarketID }

type TradeExecuted struct {
	MarketID string
	OptionID int64
	Buyer    common.Address
	Seller   common.Address
	Price    *big.Int
	Quantity *big.Int
	TradeID  string
}

func (TradeExecuted) Kind() Kind          { return KindTradeExecuted }
func (p TradeExecuted) MarketKey() string { return p.MarketID }
func (p TradeExecuted) UserKey() string   { return AddressKey(p.Buyer) }

// Notional returns price*quantity.
func (p TradeExecuted) Notional() *big.Int {
	return new(big.Int).Mul(p.Price, p.Quantity)
}

type FreeMarketConfigSet struct {
	MarketID             string
	MaxFreeParticipants  *big.Int
	TokensPerParticipant *big.Int
	TotalPrizePool       *big.Int
}

func (FreeMarketConfigSet) Kind() Kind          { return KindFreeMarketConfigSet }
func (p FreeMarketConfigSet) MarketKey() string { return p.MarketID }

type FreeTokensClaimed struct {
	MarketID string
	User     common.Address
	Tokens   *big.Int
}

func (FreeTokensClaimed) Kind() Kind          { return KindFreeTokensClaimed }
func (p FreeTokensClaimed) MarketKey() string { return p.MarketID }
func (p FreeTokensClaimed) UserKey() string   { return AddressKey(p.User) }

// UserPortfolioUpdated is a full snapshot of a user's portfolio.
type UserPortfolioUpdated struct {
	User          common.Address
	TotalInvested *big.Int
	TotalWinnings *big.Int
	UnrealizedPnL *big.Int
	RealizedPnL   *big.Int
	TradeCount    *big.Int
}

func (UserPortfolioUpdated) Kind() Kind        { return KindUserPortfolioUpdated }
func (p UserPortfolioUpdated) UserKey() string { return AddressKey(p.User) }

type Claimed struct {
	MarketID string
	User     common.Address
	Amount   *big.Int
}

func (Claimed) Kind() Kind          { return KindClaimed }
func (p Claimed) MarketKey() string { return p.MarketID }
func (p Claimed) UserKey() string   { return AddressKey(p.User) }

type BComputed struct {
	MarketID string
	B        *big.Int
}

func (BComputed) Kind() Kind          { return KindBComputed }
func (p BComputed) MarketKey() string { return p.MarketID }

type FeeAccrued struct {
	MarketID string
	OptionID int64
	Amount   *big.Int
}

func (FeeAccrued) Kind() Kind          { return KindFeeAccrued }
func (p FeeAccrued) MarketKey() string { return p.MarketID }

type SlippageProtect struct {
	MarketID      string
	User          common.Address
	ExpectedPrice *big.Int
	ActualPrice   *big.Int
}

func (SlippageProtect) Kind() Kind          { return KindSlippageProtect }
func (p SlippageProtect) MarketKey() string { return p.MarketID }
func (p SlippageProtect) UserKey() string   { return AddressKey(p.User) }

// RoleChange carries RoleGranted and RoleRevoked.
type RoleChange struct {
	Revoked bool
	Role    common.Hash
	Account common.Address
	Sender  common.Address
}

func (p RoleChange) Kind() Kind {
	if p.Revoked {
		return KindRoleRevoked
	}
	return KindRoleGranted
}
func (p RoleChange) UserKey() string { return AddressKey(p.Account) }

type RoleAdminChanged struct {
	Role              common.Hash
	PreviousAdminRole common.Hash
	NewAdminRole      common.Hash
}

func (RoleAdminChanged) Kind() Kind { return KindRoleAdminChanged }

// PauseChange carries Paused and Unpaused.
type PauseChange struct {
	Paused  bool
	Account common.Address
}

func (p PauseChange) Kind() Kind {
	if p.Paused {
		return KindPaused
	}
	return KindUnpaused
}

type OwnershipTransferred struct {
	PreviousOwner common.Address
	NewOwner      common.Address
}

func (OwnershipTransferred) Kind() Kind { return KindOwnershipTransferred }

type PlatformFeesWithdrawn struct {
	To     common.Address
	Amount *big.Int
}

func (PlatformFeesWithdrawn) Kind() Kind { return KindPlatformFeesWithdrawn }

type FeeCollectorUpdated struct {
	PreviousCollector common.Address
	NewCollector      common.Address
}

func (FeeCollectorUpdated) Kind() Kind { return KindFeeCollectorUpdated }

// LiquidityChange carries LiquidityAdded and LiquidityRemoved.
type LiquidityChange struct {
	Removed  bool
	MarketID string
	Provider common.Address
	Amount   *big.Int
}

func (p LiquidityChange) Kind() Kind {
	if p.Removed {
		return KindLiquidityRemoved
	}
	return KindLiquidityAdded
}
func (p LiquidityChange) MarketKey() string { return p.MarketID }
func (p LiquidityChange) UserKey() string   { return AddressKey(p.Provider) }
