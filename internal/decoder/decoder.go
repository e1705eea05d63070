// Package decoder turns raw contract logs into typed domain events. The
// contract ABI is embedded; every event it declares maps to exactly one
// domain.Kind and one payload type.
package decoder

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pmindexer/internal/domain"
	"github.com/alanyoungcy/pmindexer/internal/identity"
)

//go:embed abi/PredictionMarket.json
var contractABI string

// Decoder validates logs against the contract ABI. It holds no mutable state
// and is safe for concurrent use.
type Decoder struct {
	abi    abi.ABI
	events map[domain.Kind]abi.Event
}

// New parses the embedded contract ABI and checks that it declares every
// known event kind.
func New() (*Decoder, error) {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("decoder: parse abi: %w", err)
	}
	d := &Decoder{abi: parsed, events: make(map[domain.Kind]abi.Event, len(domain.Kinds))}
	for _, k := range domain.Kinds {
		ev, ok := parsed.Events[string(k)]
		if !ok {
			return nil, fmt.Errorf("decoder: abi has no event %s", k)
		}
		d.events[k] = ev
	}
	return d, nil
}

// Topics returns the topic0 hash of every known event, sorted.
func (d *Decoder) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(d.events))
	for _, ev := range d.events {
		out = append(out, ev.ID)
	}
	slices.SortFunc(out, func(a, b common.Hash) int { return a.Cmp(b) })
	return out
}

// Decode validates raw against the ABI and returns the typed event. Unknown
// names fail with domain.ErrUnknownEventKind; missing, extra or malformed
// parameters fail with domain.ErrInvalidEvent.
func (d *Decoder) Decode(raw domain.RawLog) (domain.Event, error) {
	kind, err := domain.ParseKind(raw.Name)
	if err != nil {
		return domain.Event{}, err
	}
	ev := d.events[kind]

	if len(raw.Params) != len(ev.Inputs) {
		return domain.Event{}, fmt.Errorf("%w: %s expects %d params, got %d",
			domain.ErrInvalidEvent, kind, len(ev.Inputs), len(raw.Params))
	}

	fields := make([]domain.Field, 0, len(ev.Inputs))
	for _, in := range ev.Inputs {
		v, ok := raw.Params[in.Name]
		if !ok {
			return domain.Event{}, fmt.Errorf("%w: %s missing param %q", domain.ErrInvalidEvent, kind, in.Name)
		}
		nv, err := normalize(in.Type, v)
		if err != nil {
			return domain.Event{}, fmt.Errorf("%w: %s.%s: %v", domain.ErrInvalidEvent, kind, in.Name, err)
		}
		fields = append(fields, domain.Field{Name: in.Name, Type: in.Type.String(), Value: nv})
	}

	payload, err := buildPayload(kind, fields)
	if err != nil {
		return domain.Event{}, err
	}

	prov := raw.Provenance
	prov.BlockTimestamp = prov.BlockTimestamp.UTC()
	return domain.Event{
		ID:         identity.New(prov.TxHash, prov.LogIndex),
		Kind:       kind,
		Fields:     fields,
		Provenance: prov,
		Payload:    payload,
	}, nil
}

// FromRecord rebuilds the typed event of a stored record. It is used when
// replaying the raw store.
func (d *Decoder) FromRecord(rec domain.EventRecord) (domain.Event, error) {
	kind, err := domain.ParseKind(string(rec.Kind))
	if err != nil {
		return domain.Event{}, err
	}
	ev := d.events[kind]
	if len(rec.Fields) != len(ev.Inputs) {
		return domain.Event{}, fmt.Errorf("%w: stored %s has %d fields, abi declares %d",
			domain.ErrInvalidEvent, kind, len(rec.Fields), len(ev.Inputs))
	}
	for i, in := range ev.Inputs {
		if rec.Fields[i].Name != in.Name {
			return domain.Event{}, fmt.Errorf("%w: stored %s field %d is %q, want %q",
				domain.ErrInvalidEvent, kind, i, rec.Fields[i].Name, in.Name)
		}
	}
	payload, err := buildPayload(kind, rec.Fields)
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:         rec.ID,
		Kind:       kind,
		Fields:     rec.Fields,
		Provenance: rec.Provenance,
		Payload:    payload,
	}, nil
}
