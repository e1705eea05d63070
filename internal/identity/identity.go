// Package identity derives the deterministic id of a raw event record from
// its position on chain.
package identity

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// New returns txHash followed by the big-endian log index. The id is a plain
// concatenation, so distinct (txHash, logIndex) pairs never collide.
func New(txHash common.Hash, logIndex uint64) domain.EventID {
	var id domain.EventID
	copy(id[:common.HashLength], txHash[:])
	binary.BigEndian.PutUint64(id[common.HashLength:], logIndex)
	return id
}

// Split is the inverse of New.
func Split(id domain.EventID) (common.Hash, uint64) {
	return common.BytesToHash(id[:common.HashLength]), binary.BigEndian.Uint64(id[common.HashLength:])
}

// FromBytes copies a stored id. b must be exactly domain.EventIDLen long.
func FromBytes(b []byte) (domain.EventID, error) {
	var id domain.EventID
	if len(b) != domain.EventIDLen {
		return id, fmt.Errorf("identity: id must be %d bytes, got %d", domain.EventIDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Parse decodes the hex form produced by EventID.Hex. The 0x prefix is
// optional.
func Parse(s string) (domain.EventID, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return domain.EventID{}, fmt.Errorf("identity: parse %q: %w", s, err)
	}
	return FromBytes(raw)
}
