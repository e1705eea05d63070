package projector

import (
	"context"
	"fmt"
	"slices"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// ClaimedPolicy decides what a Claimed event does when the user has no
// portfolio yet.
type ClaimedPolicy string

const (
	// ClaimedSkip leaves the portfolio absent and reports an orphan.
	ClaimedSkip ClaimedPolicy = "skip"
	// ClaimedCreate creates a zero portfolio and then adds the winnings.
	ClaimedCreate ClaimedPolicy = "create"
)

// Options tunes rule behaviour.
type Options struct {
	ClaimedPolicy ClaimedPolicy
}

// Result describes what applying one event did.
type Result struct {
	Kind domain.Kind
	// Handled is false for kinds that only live in the raw store.
	Handled bool
	// Warnings holds non-fatal outcomes such as orphan or duplicate
	// aggregates. The mutation they refer to was skipped.
	Warnings []error
}

func (r *Result) warn(err error) {
	r.Warnings = append(r.Warnings, err)
}

// Projector dispatches each event to the rule registered for its kind.
type Projector struct {
	opts Options
}

// New returns a Projector. An empty ClaimedPolicy defaults to ClaimedSkip.
func New(opts Options) *Projector {
	if opts.ClaimedPolicy == "" {
		opts.ClaimedPolicy = ClaimedSkip
	}
	return &Projector{opts: opts}
}

// Handles reports whether kind has a rule.
func (p *Projector) Handles(kind domain.Kind) bool {
	_, ok := handlers[kind]
	return ok
}

// Apply runs the rule for evt against s. Non-fatal outcomes are returned in
// Result.Warnings; the returned error is reserved for failures that must
// abort the unit of work, such as storage errors.
func (p *Projector) Apply(ctx context.Context, s domain.Stores, evt domain.Event) (Result, error) {
	res := Result{Kind: evt.Kind}
	h, ok := handlers[evt.Kind]
	if !ok {
		return res, nil
	}
	res.Handled = true
	if err := h.apply(p, ctx, s, evt, &res); err != nil {
		if domain.IsWarning(err) {
			res.warn(err)
			return res, nil
		}
		return res, fmt.Errorf("projector: %s %s: %w", evt.Kind, evt.ID, err)
	}
	return res, nil
}

// handlerEntry is the apply function for one event kind.
type handlerEntry struct {
	apply func(*Projector, context.Context, domain.Stores, domain.Event, *Result) error
}

// handlers maps each projected kind to its rule.
var handlers = map[domain.Kind]handlerEntry{
	domain.KindMarketCreated:        {apply: (*Projector).applyMarketCreated},
	domain.KindMarketResolved:       {apply: (*Projector).applyMarketResolved},
	domain.KindMarketDisputed:       {apply: (*Projector).applyMarketDisputed},
	domain.KindMarketInvalidated:    {apply: (*Projector).applyMarketInvalidated},
	domain.KindTradeExecuted:        {apply: (*Projector).applyTradeExecuted},
	domain.KindFreeMarketConfigSet:  {apply: (*Projector).applyFreeMarketConfigSet},
	domain.KindFreeTokensClaimed:    {apply: (*Projector).applyFreeTokensClaimed},
	domain.KindUserPortfolioUpdated: {apply: (*Projector).applyUserPortfolioUpdated},
	domain.KindClaimed:              {apply: (*Projector).applyClaimed},
}

// rawOnly lists kinds that are kept in the raw store without any aggregate.
var rawOnly = map[domain.Kind]bool{
	domain.KindBComputed:             true,
	domain.KindFeeAccrued:            true,
	domain.KindSlippageProtect:       true,
	domain.KindRoleGranted:           true,
	domain.KindRoleRevoked:           true,
	domain.KindRoleAdminChanged:      true,
	domain.KindPaused:                true,
	domain.KindUnpaused:              true,
	domain.KindOwnershipTransferred:  true,
	domain.KindPlatformFeesWithdrawn: true,
	domain.KindFeeCollectorUpdated:   true,
	domain.KindLiquidityAdded:        true,
	domain.KindLiquidityRemoved:      true,
}

func registeredKinds() []domain.Kind {
	out := make([]domain.Kind, 0, len(handlers))
	for k := range handlers {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// payloadOf asserts the typed payload of evt.
func payloadOf[T domain.Payload](evt domain.Event) (T, error) {
	p, ok := evt.Payload.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s carries %T", domain.ErrInvalidEvent, evt.Kind, evt.Payload)
	}
	return p, nil
}
