// Package chain reads contract logs straight from an Ethereum JSON-RPC node.
package chain

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/pmindexer/internal/decoder"
	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// Client is the subset of ethclient.Client the source uses.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config describes where and how far to scan.
type Config struct {
	Contract      common.Address
	StartBlock    uint64
	BlockWindow   uint64
	Confirmations uint64
}

// Source implements pipeline.Source over eth_getLogs.
type Source struct {
	client  Client
	decoder *decoder.Decoder
	cfg     Config
	logger  *slog.Logger

	mu    sync.Mutex
	times map[uint64]time.Time
}

// Dial connects to the RPC endpoint at url.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", url, err)
	}
	return c, nil
}

// NewSource creates a Source.
func NewSource(client Client, dec *decoder.Decoder, cfg Config, logger *slog.Logger) *Source {
	if cfg.BlockWindow == 0 {
		cfg.BlockWindow = 2000
	}
	return &Source{
		client:  client,
		decoder: dec,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "chain_source")),
		times:   make(map[uint64]time.Time),
	}
}

// Fetch scans block windows from the resume point up to the confirmed head
// until limit logs are collected. Logs at or before after are dropped.
func (s *Source) Fetch(ctx context.Context, after *domain.Position, limit int) ([]domain.RawLog, error) {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: block number: %w", err)
	}
	if head < s.cfg.Confirmations {
		return nil, nil
	}
	safe := head - s.cfg.Confirmations

	from := s.cfg.StartBlock
	if after != nil && after.BlockNumber > from {
		// The resume block is scanned again; its earlier logs are filtered.
		from = after.BlockNumber
	}

	var out []domain.RawLog
	for from <= safe && len(out) < limit {
		to := min(from+s.cfg.BlockWindow-1, safe)
		logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{s.cfg.Contract},
			Topics:    [][]common.Hash{s.decoder.Topics()},
		})
		if err != nil {
			return nil, fmt.Errorf("chain: filter logs %d-%d: %w", from, to, err)
		}
		slices.SortFunc(logs, func(a, b types.Log) int {
			if c := cmp.Compare(a.BlockNumber, b.BlockNumber); c != 0 {
				return c
			}
			return cmp.Compare(a.Index, b.Index)
		})

		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			pos := domain.Position{BlockNumber: lg.BlockNumber, LogIndex: uint64(lg.Index)}
			if after != nil && !after.Less(pos) {
				continue
			}
			raw, err := s.convert(ctx, lg)
			if err != nil {
				return nil, err
			}
			out = append(out, raw)
			if len(out) == limit {
				break
			}
		}
		from = to + 1
	}
	s.prune(from)
	return out, nil
}

// convert turns a chain log into a RawLog. Logs the ABI cannot unpack are
// still returned, carrying no params, so the indexer records and skips them.
func (s *Source) convert(ctx context.Context, lg types.Log) (domain.RawLog, error) {
	ts, err := s.blockTime(ctx, lg.BlockNumber)
	if err != nil {
		return domain.RawLog{}, err
	}
	raw, err := s.decoder.FromChainLog(lg, ts)
	if err == nil {
		return raw, nil
	}

	name := "anonymous"
	if len(lg.Topics) > 0 {
		name = lg.Topics[0].Hex()
	}
	s.logger.WarnContext(ctx, "chain log could not be unpacked",
		slog.Uint64("block", lg.BlockNumber),
		slog.Uint64("log_index", uint64(lg.Index)),
		slog.String("error", err.Error()),
	)
	return domain.RawLog{
		Name: name,
		Provenance: domain.Provenance{
			BlockNumber:    lg.BlockNumber,
			BlockTimestamp: ts,
			TxHash:         lg.TxHash,
			LogIndex:       uint64(lg.Index),
			Contract:       lg.Address,
		},
	}, nil
}

func (s *Source) blockTime(ctx context.Context, block uint64) (time.Time, error) {
	s.mu.Lock()
	ts, ok := s.times[block]
	s.mu.Unlock()
	if ok {
		return ts, nil
	}

	h, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return time.Time{}, fmt.Errorf("chain: header %d: %w", block, err)
	}
	ts = time.Unix(int64(h.Time), 0).UTC()

	s.mu.Lock()
	s.times[block] = ts
	s.mu.Unlock()
	return ts, nil
}

// prune forgets timestamps of blocks that will not be scanned again.
func (s *Source) prune(below uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for b := range s.times {
		if b+1 < below {
			delete(s.times, b)
		}
	}
}
