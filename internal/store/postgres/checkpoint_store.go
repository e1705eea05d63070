package postgres

import (
	"context"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// CheckpointStore implements domain.CheckpointStore using PostgreSQL.
type CheckpointStore struct {
	db DBTX
}

// Get returns the last position recorded for name.
func (s *CheckpointStore) Get(ctx context.Context, name string) (domain.Position, error) {
	var block, logIndex int64
	err := s.db.QueryRow(ctx,
		`SELECT block_number, log_index FROM checkpoints WHERE name = $1`, name,
	).Scan(&block, &logIndex)
	if err != nil {
		return domain.Position{}, storageErr("get checkpoint "+name, err)
	}
	return domain.Position{BlockNumber: uint64(block), LogIndex: uint64(logIndex)}, nil
}

// Put records pos for name.
func (s *CheckpointStore) Put(ctx context.Context, name string, pos domain.Position) error {
	const query = `
		INSERT INTO checkpoints (name, block_number, log_index, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			log_index    = EXCLUDED.log_index,
			updated_at   = NOW()`

	if _, err := s.db.Exec(ctx, query, name, int64(pos.BlockNumber), int64(pos.LogIndex)); err != nil {
		return storageErr("put checkpoint "+name, err)
	}
	return nil
}
