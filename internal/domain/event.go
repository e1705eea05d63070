package domain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind names a contract event. Values match the ABI event names.
type Kind string

const (
	KindMarketCreated         Kind = "MarketCreated"
	KindMarketResolved        Kind = "MarketResolved"
	KindMarketDisputed        Kind = "MarketDisputed"
	KindMarketInvalidated     Kind = "MarketInvalidated"
	KindTradeExecuted         Kind = "TradeExecuted"
	KindFreeMarketConfigSet   Kind = "FreeMarketConfigSet"
	KindFreeTokensClaimed     Kind = "FreeTokensClaimed"
	KindUserPortfolioUpdated  Kind = "UserPortfolioUpdated"
	KindClaimed               Kind = "Claimed"
	KindBComputed             Kind = "BComputed"
	KindFeeAccrued            Kind = "FeeAccrued"
	KindSlippageProtect       Kind = "SlippageProtect"
	KindRoleGranted           Kind = "RoleGranted"
	KindRoleRevoked           Kind = "RoleRevoked"
	KindRoleAdminChanged      Kind = "RoleAdminChanged"
	KindPaused                Kind = "Paused"
	KindUnpaused              Kind = "Unpaused"
	KindOwnershipTransferred  Kind = "OwnershipTransferred"
	KindPlatformFeesWithdrawn Kind = "PlatformFeesWithdrawn"
	KindFeeCollectorUpdated   Kind = "FeeCollectorUpdated"
	KindLiquidityAdded        Kind = "LiquidityAdded"
	KindLiquidityRemoved      Kind = "LiquidityRemoved"
)

// Kinds lists every event kind the indexer understands.
var Kinds = []Kind{
	KindMarketCreated, KindMarketResolved, KindMarketDisputed, KindMarketInvalidated,
	KindTradeExecuted, KindFreeMarketConfigSet, KindFreeTokensClaimed,
	KindUserPortfolioUpdated, KindClaimed, KindBComputed, KindFeeAccrued,
	KindSlippageProtect, KindRoleGranted, KindRoleRevoked, KindRoleAdminChanged,
	KindPaused, KindUnpaused, KindOwnershipTransferred, KindPlatformFeesWithdrawn,
	KindFeeCollectorUpdated, KindLiquidityAdded, KindLiquidityRemoved,
}

// ParseKind returns the Kind named s, or ErrUnknownEventKind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEventKind, s)
}

// Field is one named event parameter. Value is normalized: integers,
// addresses and byte strings are strings, booleans stay booleans and arrays
// are []any of normalized elements.
type Field struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Position orders logs within the chain.
type Position struct {
	BlockNumber uint64 `json:"block_number"`
	LogIndex    uint64 `json:"log_index"`
}

// Less reports whether p comes strictly before o.
func (p Position) Less(o Position) bool {
	if p.BlockNumber != o.BlockNumber {
		return p.BlockNumber < o.BlockNumber
	}
	return p.LogIndex < o.LogIndex
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.BlockNumber, p.LogIndex)
}

// Provenance locates a log on chain.
type Provenance struct {
	BlockNumber    uint64         `json:"block_number"`
	BlockTimestamp time.Time      `json:"block_timestamp"`
	TxHash         common.Hash    `json:"tx_hash"`
	LogIndex       uint64         `json:"log_index"`
	Contract       common.Address `json:"contract"`
}

// Position returns the chain ordering key of the log.
func (p Provenance) Position() Position {
	return Position{BlockNumber: p.BlockNumber, LogIndex: p.LogIndex}
}

// RawLog is one entry of the input feed: an event name with its named
// parameters, before validation against the contract ABI.
type RawLog struct {
	Name       string
	Params     map[string]any
	Provenance Provenance
}

// EventIDLen is the length of an EventID: a 32-byte transaction hash followed
// by an 8-byte big-endian log index.
const EventIDLen = common.HashLength + 8

// EventID is the identity of a raw event record.
type EventID [EventIDLen]byte

// Hex returns the 0x-prefixed lowercase hex form of the id.
func (id EventID) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id EventID) String() string { return id.Hex() }

// MarshalText implements encoding.TextMarshaler.
func (id EventID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

// Payload is the typed body of a decoded event. Each kind has exactly one
// payload type.
type Payload interface {
	Kind() Kind
}

// MarketScoped is implemented by payloads that reference a market.
type MarketScoped interface {
	MarketKey() string
}

// UserScoped is implemented by payloads that reference a user address.
type UserScoped interface {
	UserKey() string
}

// Event is a decoded log: its kind, ordered fields, provenance and typed
// payload.
type Event struct {
	ID         EventID
	Kind       Kind
	Fields     []Field
	Provenance Provenance
	Payload    Payload
}

// MarketID returns the market the event references, if any.
func (e Event) MarketID() string {
	if s, ok := e.Payload.(MarketScoped); ok {
		return s.MarketKey()
	}
	return ""
}

// User returns the user address the event references, if any.
func (e Event) User() string {
	if s, ok := e.Payload.(UserScoped); ok {
		return s.UserKey()
	}
	return ""
}

// Record returns the immutable raw record for the event.
func (e Event) Record() EventRecord {
	return EventRecord{
		ID:         e.ID,
		Kind:       e.Kind,
		Fields:     e.Fields,
		Provenance: e.Provenance,
		MarketID:   e.MarketID(),
		User:       e.User(),
	}
}

// EventRecord is one row of the raw event store. It is never mutated after
// insert.
type EventRecord struct {
	ID         EventID    `json:"id"`
	Kind       Kind       `json:"kind"`
	Fields     []Field    `json:"fields"`
	Provenance Provenance `json:"provenance"`
	MarketID   string     `json:"market_id,omitempty"`
	User       string     `json:"user,omitempty"`
}

// SameContents reports whether r and o describe the same log.
func (r EventRecord) SameContents(o EventRecord) bool {
	if r.ID != o.ID || r.Kind != o.Kind {
		return false
	}
	rp, op := r.Provenance, o.Provenance
	if rp.BlockNumber != op.BlockNumber || rp.LogIndex != op.LogIndex ||
		rp.TxHash != op.TxHash || rp.Contract != op.Contract ||
		!rp.BlockTimestamp.Equal(op.BlockTimestamp) {
		return false
	}
	a, errA := json.Marshal(r.Fields)
	b, errB := json.Marshal(o.Fields)
	return errA == nil && errB == nil && string(a) == string(b)
}

// Order is the direction of a raw event range.
type Order int

const (
	Ascending Order = iota
	Descending
)

// ParseOrder maps "asc"/"desc" to an Order. Anything else is Ascending.
func ParseOrder(s string) Order {
	if s == "desc" {
		return Descending
	}
	return Ascending
}

// EventFilter selects raw events. Zero values match everything.
type EventFilter struct {
	Kinds     []Kind
	MarketID  string
	User      string
	FromBlock *uint64
	ToBlock   *uint64
	// After resumes a range strictly after (ascending) or before
	// (descending) the given position.
	After *Position
	// Limit caps the total number of records yielded. Zero means unbounded.
	Limit int
}

// Matches reports whether rec satisfies the filter, ignoring After and Limit.
func (f EventFilter) Matches(rec EventRecord) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == rec.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MarketID != "" && rec.MarketID != f.MarketID {
		return false
	}
	if f.User != "" && rec.User != f.User {
		return false
	}
	if f.FromBlock != nil && rec.Provenance.BlockNumber < *f.FromBlock {
		return false
	}
	if f.ToBlock != nil && rec.Provenance.BlockNumber > *f.ToBlock {
		return false
	}
	return true
}
