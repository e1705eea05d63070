package decoder

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// FromChainLog decodes a raw chain log into the feed representation. topic0
// selects the event; indexed parameters come from the remaining topics and
// the rest from the data section.
func (d *Decoder) FromChainLog(lg types.Log, blockTime time.Time) (domain.RawLog, error) {
	if len(lg.Topics) == 0 {
		return domain.RawLog{}, fmt.Errorf("%w: anonymous log %s:%d", domain.ErrUnknownEventKind, lg.TxHash.Hex(), lg.Index)
	}
	ev, err := d.abi.EventByID(lg.Topics[0])
	if err != nil {
		return domain.RawLog{}, fmt.Errorf("%w: topic %s", domain.ErrUnknownEventKind, lg.Topics[0].Hex())
	}

	params := make(map[string]any, len(ev.Inputs))

	nonIndexed := ev.Inputs.NonIndexed()
	values, err := nonIndexed.Unpack(lg.Data)
	if err != nil {
		return domain.RawLog{}, fmt.Errorf("%w: %s data: %v", domain.ErrInvalidEvent, ev.Name, err)
	}
	for i, arg := range nonIndexed {
		params[arg.Name] = values[i]
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(lg.Topics)-1 != len(indexed) {
		return domain.RawLog{}, fmt.Errorf("%w: %s expects %d topics, got %d",
			domain.ErrInvalidEvent, ev.Name, len(indexed)+1, len(lg.Topics))
	}
	if err := abi.ParseTopicsIntoMap(params, indexed, lg.Topics[1:]); err != nil {
		return domain.RawLog{}, fmt.Errorf("%w: %s topics: %v", domain.ErrInvalidEvent, ev.Name, err)
	}

	return domain.RawLog{
		Name:   ev.Name,
		Params: params,
		Provenance: domain.Provenance{
			BlockNumber:    lg.BlockNumber,
			BlockTimestamp: blockTime.UTC(),
			TxHash:         lg.TxHash,
			LogIndex:       uint64(lg.Index),
			Contract:       lg.Address,
		},
	}, nil
}
