package decoder

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// buildPayload maps normalized fields onto the typed payload of kind.
func buildPayload(kind domain.Kind, fields []domain.Field) (domain.Payload, error) {
	r := newReader(kind, fields)
	var p domain.Payload

	switch kind {
	case domain.KindMarketCreated:
		p = domain.MarketCreated{
			MarketID:   r.id("marketId"),
			Creator:    r.address("creator"),
			Question:   r.str("question"),
			Options:    r.strs("options"),
			EndTime:    r.unixTime("endTime"),
			Category:   r.str("category"),
			MarketType: r.uint8("marketType"),
		}
	case domain.KindMarketResolved:
		p = domain.MarketResolved{
			MarketID:        r.id("marketId"),
			WinningOptionID: r.int64("winningOptionId"),
			Resolver:        r.address("resolver"),
		}
	case domain.KindMarketDisputed:
		p = domain.MarketDisputed{
			MarketID: r.id("marketId"),
			Disputer: r.address("disputer"),
			Reason:   r.str("reason"),
		}
	case domain.KindMarketInvalidated:
		p = domain.MarketInvalidated{MarketID: r.id("marketId"), Reason: r.str("reason")}
	case domain.KindTradeExecuted:
		p = domain.TradeExecuted{
			MarketID: r.id("marketId"),
			OptionID: r.int64("optionId"),
			Buyer:    r.address("buyer"),
			Seller:   r.address("seller"),
			Price:    r.bigInt("price"),
			Quantity: r.bigInt("quantity"),
			TradeID:  r.id("tradeId"),
		}
	case domain.KindFreeMarketConfigSet:
		p = domain.FreeMarketConfigSet{
			MarketID:             r.id("marketId"),
			MaxFreeParticipants:  r.bigInt("maxFreeParticipants"),
			TokensPerParticipant: r.bigInt("tokensPerParticipant"),
			TotalPrizePool:       r.bigInt("totalPrizePool"),
		}
	case domain.KindFreeTokensClaimed:
		p = domain.FreeTokensClaimed{
			MarketID: r.id("marketId"),
			User:     r.address("user"),
			Tokens:   r.bigInt("tokens"),
		}
	case domain.KindUserPortfolioUpdated:
		p = domain.UserPortfolioUpdated{
			User:          r.address("user"),
			TotalInvested: r.bigInt("totalInvested"),
			TotalWinnings: r.bigInt("totalWinnings"),
			UnrealizedPnL: r.bigInt("unrealizedPnL"),
			RealizedPnL:   r.bigInt("realizedPnL"),
			TradeCount:    r.bigInt("tradeCount"),
		}
	case domain.KindClaimed:
		p = domain.Claimed{
			MarketID: r.id("marketId"),
			User:     r.address("user"),
			Amount:   r.bigInt("amount"),
		}
	case domain.KindBComputed:
		p = domain.BComputed{MarketID: r.id("marketId"), B: r.bigInt("b")}
	case domain.KindFeeAccrued:
		p = domain.FeeAccrued{
			MarketID: r.id("marketId"),
			OptionID: r.int64("optionId"),
			Amount:   r.bigInt("amount"),
		}
	case domain.KindSlippageProtect:
		p = domain.SlippageProtect{
			MarketID:      r.id("marketId"),
			User:          r.address("user"),
			ExpectedPrice: r.bigInt("expectedPrice"),
			ActualPrice:   r.bigInt("actualPrice"),
		}
	case domain.KindRoleGranted, domain.KindRoleRevoked:
		p = domain.RoleChange{
			Revoked: kind == domain.KindRoleRevoked,
			Role:    r.hash("role"),
			Account: r.address("account"),
			Sender:  r.address("sender"),
		}
	case domain.KindRoleAdminChanged:
		p = domain.RoleAdminChanged{
			Role:              r.hash("role"),
			PreviousAdminRole: r.hash("previousAdminRole"),
			NewAdminRole:      r.hash("newAdminRole"),
		}
	case domain.KindPaused, domain.KindUnpaused:
		p = domain.PauseChange{Paused: kind == domain.KindPaused, Account: r.address("account")}
	case domain.KindOwnershipTransferred:
		p = domain.OwnershipTransferred{
			PreviousOwner: r.address("previousOwner"),
			NewOwner:      r.address("newOwner"),
		}
	case domain.KindPlatformFeesWithdrawn:
		p = domain.PlatformFeesWithdrawn{To: r.address("to"), Amount: r.bigInt("amount")}
	case domain.KindFeeCollectorUpdated:
		p = domain.FeeCollectorUpdated{
			PreviousCollector: r.address("previousCollector"),
			NewCollector:      r.address("newCollector"),
		}
	case domain.KindLiquidityAdded, domain.KindLiquidityRemoved:
		p = domain.LiquidityChange{
			Removed:  kind == domain.KindLiquidityRemoved,
			MarketID: r.id("marketId"),
			Provider: r.address("provider"),
			Amount:   r.bigInt("amount"),
		}
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownEventKind, kind)
	}

	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// reader pulls typed values out of normalized fields. The first failure is
// kept in err and later calls return zero values.
type reader struct {
	kind   domain.Kind
	values map[string]any
	err    error
}

func newReader(kind domain.Kind, fields []domain.Field) *reader {
	values := make(map[string]any, len(fields))
	for _, f := range fields {
		values[f.Name] = f.Value
	}
	return &reader{kind: kind, values: values}
}

func (r *reader) fail(name, format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s.%s: %s", domain.ErrInvalidEvent, r.kind, name, fmt.Sprintf(format, args...))
	}
}

func (r *reader) raw(name string) (any, bool) {
	v, ok := r.values[name]
	if !ok {
		r.fail(name, "missing")
	}
	return v, ok
}

func (r *reader) str(name string) string {
	v, ok := r.raw(name)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		r.fail(name, "want string, got %T", v)
	}
	return s
}

func (r *reader) strs(name string) []string {
	v, ok := r.raw(name)
	if !ok {
		return nil
	}
	switch vs := v.(type) {
	case []string:
		return append([]string(nil), vs...)
	case []any:
		out := make([]string, len(vs))
		for i, e := range vs {
			s, ok := e.(string)
			if !ok {
				r.fail(name, "element %d: want string, got %T", i, e)
				return nil
			}
			out[i] = s
		}
		return out
	}
	r.fail(name, "want string array, got %T", v)
	return nil
}

func (r *reader) bigInt(name string) *big.Int {
	s := r.str(name)
	if r.err != nil {
		return new(big.Int)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		r.fail(name, "invalid integer %q", s)
		return new(big.Int)
	}
	return n
}

// id renders a uint256 identifier as its decimal string.
func (r *reader) id(name string) string {
	return r.bigInt(name).String()
}

func (r *reader) int64(name string) int64 {
	n := r.bigInt(name)
	if !n.IsInt64() {
		r.fail(name, "value %s does not fit int64", n)
		return 0
	}
	return n.Int64()
}

func (r *reader) uint8(name string) uint8 {
	n := r.bigInt(name)
	if n.Sign() < 0 || n.BitLen() > 8 {
		r.fail(name, "value %s does not fit uint8", n)
		return 0
	}
	return uint8(n.Uint64())
}

func (r *reader) unixTime(name string) time.Time {
	n := r.int64(name)
	return time.Unix(n, 0).UTC()
}

func (r *reader) address(name string) common.Address {
	s := r.str(name)
	if r.err != nil {
		return common.Address{}
	}
	if !common.IsHexAddress(s) {
		r.fail(name, "invalid address %q", s)
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func (r *reader) hash(name string) common.Hash {
	s := r.str(name)
	if r.err != nil {
		return common.Hash{}
	}
	return common.HexToHash(s)
}
