package projector

import (
	"context"
	"math/big"
	"time"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// applyUserPortfolioUpdated overwrites the snapshot fields. Earlier values
// never leak into the result.
func (p *Projector) applyUserPortfolioUpdated(ctx context.Context, s domain.Stores, evt domain.Event, res *Result) error {
	pl, err := payloadOf[domain.UserPortfolioUpdated](evt)
	if err != nil {
		return err
	}
	user := domain.AddressKey(pl.User)
	_, err = Upsert(ctx, s.Portfolios, user,
		func() domain.UserPortfolio { return domain.NewUserPortfolio(user) },
		func(cur domain.UserPortfolio, _ bool) (domain.UserPortfolio, error) {
			return applySnapshot(cur, pl, evt.Provenance.BlockTimestamp), nil
		},
	)
	return err
}

func applySnapshot(cur domain.UserPortfolio, pl domain.UserPortfolioUpdated, at time.Time) domain.UserPortfolio {
	cur.TotalInvested = new(big.Int).Set(pl.TotalInvested)
	cur.TotalWinnings = new(big.Int).Set(pl.TotalWinnings)
	cur.UnrealizedPnL = new(big.Int).Set(pl.UnrealizedPnL)
	cur.RealizedPnL = new(big.Int).Set(pl.RealizedPnL)
	cur.TradeCount = new(big.Int).Set(pl.TradeCount)
	cur.UpdatedAt = at
	return cur
}

// applyClaimed adds winnings. Whether a missing portfolio is created depends
// on the configured ClaimedPolicy.
func (p *Projector) applyClaimed(ctx context.Context, s domain.Stores, evt domain.Event, res *Result) error {
	pl, err := payloadOf[domain.Claimed](evt)
	if err != nil {
		return err
	}
	user := domain.AddressKey(pl.User)

	var init func() domain.UserPortfolio
	if p.opts.ClaimedPolicy == ClaimedCreate {
		init = func() domain.UserPortfolio { return domain.NewUserPortfolio(user) }
	}
	_, err = Upsert(ctx, s.Portfolios, user, init, func(cur domain.UserPortfolio, _ bool) (domain.UserPortfolio, error) {
		return addWinnings(cur, pl.Amount, evt.Provenance.BlockTimestamp), nil
	})
	return err
}

func addWinnings(cur domain.UserPortfolio, amount *big.Int, at time.Time) domain.UserPortfolio {
	if cur.TotalWinnings == nil {
		cur.TotalWinnings = new(big.Int)
	}
	cur.TotalWinnings = new(big.Int).Add(cur.TotalWinnings, amount)
	cur.UpdatedAt = at
	return cur
}
