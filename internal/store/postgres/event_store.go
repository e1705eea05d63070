package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// rangePageSize bounds how many rows one Range query fetches.
const rangePageSize = 500

// EventStore implements domain.EventStore over the raw_events table.
type EventStore struct {
	db DBTX
}

const eventCols = `id, kind, fields, block_number, log_index, block_timestamp,
	tx_hash, contract, market_id, user_address`

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Append inserts rec unless its id is already stored.
func (s *EventStore) Append(ctx context.Context, rec domain.EventRecord) (bool, error) {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return false, fmt.Errorf("postgres: marshal fields of %s: %w", rec.ID, err)
	}

	const query = `
		INSERT INTO raw_events (` + eventCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	p := rec.Provenance
	tag, err := s.db.Exec(ctx, query,
		rec.ID[:], string(rec.Kind), fields,
		int64(p.BlockNumber), int64(p.LogIndex), p.BlockTimestamp,
		p.TxHash.Bytes(), p.Contract.Bytes(),
		nullable(rec.MarketID), nullable(rec.User),
	)
	if err != nil {
		return false, storageErr("append event "+rec.ID.Hex(), err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	existing, err := s.Get(ctx, rec.ID)
	if err != nil {
		return false, err
	}
	if !existing.SameContents(rec) {
		return false, fmt.Errorf("postgres: append event %s: %w", rec.ID.Hex(), domain.ErrDuplicateEvent)
	}
	return false, nil
}

func scanEvent(row pgx.Row) (domain.EventRecord, error) {
	var (
		rec                domain.EventRecord
		id, txHash, addr   []byte
		kind               string
		fields             []byte
		block, logIndex    int64
		ts                 time.Time
		marketID, userAddr *string
	)
	if err := row.Scan(&id, &kind, &fields, &block, &logIndex, &ts, &txHash, &addr, &marketID, &userAddr); err != nil {
		return domain.EventRecord{}, err
	}
	if len(id) != domain.EventIDLen {
		return domain.EventRecord{}, fmt.Errorf("postgres: event id has %d bytes", len(id))
	}
	copy(rec.ID[:], id)
	rec.Kind = domain.Kind(kind)
	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return domain.EventRecord{}, fmt.Errorf("postgres: unmarshal fields: %w", err)
	}
	rec.Provenance = domain.Provenance{
		BlockNumber:    uint64(block),
		BlockTimestamp: ts.UTC(),
		TxHash:         common.BytesToHash(txHash),
		LogIndex:       uint64(logIndex),
		Contract:       common.BytesToAddress(addr),
	}
	if marketID != nil {
		rec.MarketID = *marketID
	}
	if userAddr != nil {
		rec.User = *userAddr
	}
	return rec, nil
}

// Get returns the record with the given id.
func (s *EventStore) Get(ctx context.Context, id domain.EventID) (domain.EventRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT `+eventCols+` FROM raw_events WHERE id = $1`, id[:])
	rec, err := scanEvent(row)
	if err != nil {
		return domain.EventRecord{}, storageErr("get event "+id.Hex(), err)
	}
	return rec, nil
}

// Range pages through matching rows with keyset pagination on
// (block_number, log_index). Every iteration of the sequence re-queries.
func (s *EventStore) Range(ctx context.Context, filter domain.EventFilter, order domain.Order) iter.Seq2[domain.EventRecord, error] {
	return func(yield func(domain.EventRecord, error) bool) {
		after := filter.After
		remaining := filter.Limit
		for {
			size := rangePageSize
			if filter.Limit > 0 && remaining < size {
				size = remaining
			}
			page, err := s.page(ctx, filter, order, after, size)
			if err != nil {
				yield(domain.EventRecord{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < size {
				return
			}
			if filter.Limit > 0 {
				remaining -= len(page)
				if remaining == 0 {
					return
				}
			}
			last := page[len(page)-1].Provenance.Position()
			after = &last
		}
	}
}

func (s *EventStore) page(
	ctx context.Context,
	filter domain.EventFilter,
	order domain.Order,
	after *domain.Position,
	size int,
) ([]domain.EventRecord, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		where = append(where, "kind = ANY("+arg(kinds)+")")
	}
	if filter.MarketID != "" {
		where = append(where, "market_id = "+arg(filter.MarketID))
	}
	if filter.User != "" {
		where = append(where, "user_address = "+arg(filter.User))
	}
	if filter.FromBlock != nil {
		where = append(where, "block_number >= "+arg(int64(*filter.FromBlock)))
	}
	if filter.ToBlock != nil {
		where = append(where, "block_number <= "+arg(int64(*filter.ToBlock)))
	}

	dir, cmp := "ASC", ">"
	if order == domain.Descending {
		dir, cmp = "DESC", "<"
	}
	if after != nil {
		where = append(where, fmt.Sprintf("(block_number, log_index) %s (%s, %s)",
			cmp, arg(int64(after.BlockNumber)), arg(int64(after.LogIndex))))
	}

	query := `SELECT ` + eventCols + ` FROM raw_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY block_number %s, log_index %s LIMIT %s", dir, dir, arg(size))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("range events", err)
	}
	defer rows.Close()

	var out []domain.EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, storageErr("scan event", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("range events rows", err)
	}
	return out, nil
}
