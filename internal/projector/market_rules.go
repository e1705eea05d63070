package projector

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

func (p *Projector) applyMarketCreated(ctx context.Context, s domain.Stores, evt domain.Event, res *Result) error {
	pl, err := payloadOf[domain.MarketCreated](evt)
	if err != nil {
		return err
	}

	// A config set before its market is linked here.
	var linked *string
	if _, err := s.FreeMarkets.Get(ctx, pl.MarketID); err == nil {
		id := pl.MarketID
		linked = &id
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	init := func() domain.Market {
		m := newMarket(pl, evt.Provenance.BlockTimestamp)
		m.FreeMarketConfigID = linked
		return m
	}
	_, err = Upsert(ctx, s.Markets, pl.MarketID, init, func(m domain.Market, existed bool) (domain.Market, error) {
		if existed {
			return m, fmt.Errorf("%w: %s", domain.ErrDuplicateMarket, pl.MarketID)
		}
		return m, nil
	})
	return err
}

// newMarket builds an open market with zero volume.
func newMarket(pl domain.MarketCreated, at time.Time) domain.Market {
	return domain.Market{
		ID:          pl.MarketID,
		Question:    pl.Question,
		Options:     append([]string(nil), pl.Options...),
		EndTime:     pl.EndTime,
		Category:    pl.Category,
		MarketType:  pl.MarketType,
		Creator:     domain.AddressKey(pl.Creator),
		Status:      domain.StatusOpen,
		TotalVolume: new(big.Int),
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func (p *Projector) applyMarketResolved(ctx context.Context, s domain.Stores, evt domain.Event, res *Result) error {
	pl, err := payloadOf[domain.MarketResolved](evt)
	if err != nil {
		return err
	}
	_, err = Update(ctx, s.Markets, pl.MarketID, func(m domain.Market) (domain.Market, error) {
		return resolveMarket(m, pl.WinningOptionID, evt.Provenance.BlockTimestamp)
	})
	return err
}

func (p *Projector) applyMarketDisputed(ctx context.Context, s domain.Stores, evt domain.Event, res *Result) error {
	pl, err := payloadOf[domain.MarketDisputed](evt)
	if err != nil {
		return err
	}
	_, err = Update(ctx, s.Markets, pl.MarketID, func(m domain.Market) (domain.Market, error) {
		return disputeMarket(m, evt.Provenance.BlockTimestamp)
	})
	return err
}

func (p *Projector) applyMarketInvalidated(ctx context.Context, s domain.Stores, evt domain.Event, res *Result) error {
	pl, err := payloadOf[domain.MarketInvalidated](evt)
	if err != nil {
		return err
	}
	_, err = Update(ctx, s.Markets, pl.MarketID, func(m domain.Market) (domain.Market, error) {
		return invalidateMarket(m, evt.Provenance.BlockTimestamp)
	})
	return err
}

// resolveMarket sets the winner. The first terminal signal wins; later ones
// leave the market untouched.
func resolveMarket(m domain.Market, winner int64, at time.Time) (domain.Market, error) {
	if m.Status.Terminal() {
		return m, fmt.Errorf("%w: %s is %s", domain.ErrTerminalMarket, m.ID, m.Status)
	}
	m.Resolved = true
	m.WinningOptionID = &winner
	m.Status = domain.StatusResolved
	m.UpdatedAt = at
	return m, nil
}

func invalidateMarket(m domain.Market, at time.Time) (domain.Market, error) {
	if m.Status.Terminal() {
		return m, fmt.Errorf("%w: %s is %s", domain.ErrTerminalMarket, m.ID, m.Status)
	}
	m.Invalidated = true
	m.Status = domain.StatusInvalidated
	m.UpdatedAt = at
	return m, nil
}

// disputeMarket is informational; trading continues.
func disputeMarket(m domain.Market, at time.Time) (domain.Market, error) {
	if m.Status.Terminal() {
		return m, fmt.Errorf("%w: %s is %s", domain.ErrTerminalMarket, m.ID, m.Status)
	}
	m.Status = domain.StatusDisputed
	m.UpdatedAt = at
	return m, nil
}
