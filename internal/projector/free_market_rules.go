package projector

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// applyFreeMarketConfigSet creates or replaces the config and links it into
// its market. A market that does not exist yet stays unlinked until its
// MarketCreated arrives.
func (p *Projector) applyFreeMarketConfigSet(ctx context.Context, s domain.Stores, evt domain.Event, res *Result) error {
	pl, err := payloadOf[domain.FreeMarketConfigSet](evt)
	if err != nil {
		return err
	}
	at := evt.Provenance.BlockTimestamp

	_, err = Upsert(ctx, s.FreeMarkets, pl.MarketID,
		func() domain.FreeMarketConfig { return domain.FreeMarketConfig{MarketID: pl.MarketID} },
		func(c domain.FreeMarketConfig, _ bool) (domain.FreeMarketConfig, error) {
			return configure(c, pl, at), nil
		},
	)
	if err != nil {
		return err
	}

	_, err = Update(ctx, s.Markets, pl.MarketID, func(m domain.Market) (domain.Market, error) {
		id := pl.MarketID
		m.FreeMarketConfigID = &id
		return m, nil
	})
	if errors.Is(err, domain.ErrOrphanEvent) {
		return nil
	}
	return err
}

// configure replaces the limits and keeps the participant count of a
// replaced config.
func configure(c domain.FreeMarketConfig, pl domain.FreeMarketConfigSet, at time.Time) domain.FreeMarketConfig {
	c.MaxFreeParticipants = new(big.Int).Set(pl.MaxFreeParticipants)
	c.TokensPerParticipant = new(big.Int).Set(pl.TokensPerParticipant)
	c.TotalPrizePool = new(big.Int).Set(pl.TotalPrizePool)
	c.IsActive = !c.Full()
	c.UpdatedAt = at
	return c
}

func (p *Projector) applyFreeTokensClaimed(ctx context.Context, s domain.Stores, evt domain.Event, res *Result) error {
	pl, err := payloadOf[domain.FreeTokensClaimed](evt)
	if err != nil {
		return err
	}
	_, err = Update(ctx, s.FreeMarkets, pl.MarketID, func(c domain.FreeMarketConfig) (domain.FreeMarketConfig, error) {
		return claimFreeSlot(c, evt.Provenance.BlockTimestamp), nil
	})
	return err
}

// claimFreeSlot counts exactly one participant per claim.
func claimFreeSlot(c domain.FreeMarketConfig, at time.Time) domain.FreeMarketConfig {
	c.CurrentFreeParticipants++
	if c.Full() {
		c.IsActive = false
	}
	c.UpdatedAt = at
	return c
}
