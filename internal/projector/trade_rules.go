package projector

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// applyTradeExecuted records the trade, grows market volume and writes the
// price point. A missing market only skips the volume update.
func (p *Projector) applyTradeExecuted(ctx context.Context, s domain.Stores, evt domain.Event, res *Result) error {
	pl, err := payloadOf[domain.TradeExecuted](evt)
	if err != nil {
		return err
	}
	at := evt.Provenance.BlockTimestamp

	_, err = Upsert(ctx, s.Trades, pl.TradeID,
		func() domain.Trade {
			return domain.Trade{
				ID:        pl.TradeID,
				MarketID:  pl.MarketID,
				OptionID:  pl.OptionID,
				Buyer:     domain.AddressKey(pl.Buyer),
				Seller:    domain.AddressKey(pl.Seller),
				Price:     new(big.Int).Set(pl.Price),
				Quantity:  new(big.Int).Set(pl.Quantity),
				Timestamp: at,
				EventID:   evt.ID,
				Block:     evt.Provenance.BlockNumber,
			}
		},
		func(t domain.Trade, existed bool) (domain.Trade, error) {
			if existed {
				return t, fmt.Errorf("%w: %s", domain.ErrDuplicateTrade, pl.TradeID)
			}
			return t, nil
		},
	)
	if err != nil {
		return err
	}

	notional := pl.Notional()
	_, err = Update(ctx, s.Markets, pl.MarketID, func(m domain.Market) (domain.Market, error) {
		return addVolume(m, notional, at), nil
	})
	switch {
	case errors.Is(err, domain.ErrOrphanEvent):
		res.warn(err)
	case err != nil:
		return err
	}

	key := domain.PricePointKey{MarketID: pl.MarketID, OptionID: pl.OptionID, Timestamp: at.Unix()}
	_, err = Upsert(ctx, s.Prices, key,
		func() domain.PricePoint {
			return domain.PricePoint{MarketID: pl.MarketID, OptionID: pl.OptionID, Timestamp: at}
		},
		func(pt domain.PricePoint, _ bool) (domain.PricePoint, error) {
			pt.Price = new(big.Int).Set(pl.Price)
			pt.Volume = new(big.Int).Set(notional)
			return pt, nil
		},
	)
	return err
}

// addVolume never decreases TotalVolume: notional is a product of two
// unsigned values.
func addVolume(m domain.Market, notional *big.Int, at time.Time) domain.Market {
	if m.TotalVolume == nil {
		m.TotalVolume = new(big.Int)
	}
	m.TotalVolume = new(big.Int).Add(m.TotalVolume, notional)
	m.UpdatedAt = at
	return m
}
