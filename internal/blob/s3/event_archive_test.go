package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pmindexer/internal/domain"
	"github.com/alanyoungcy/pmindexer/internal/identity"
	"github.com/alanyoungcy/pmindexer/internal/store/memory"
)

// bucket is an in-memory BlobWriter and BlobReader.
type bucket struct {
	objects map[string][]byte
	puts    int
}

func newBucket() *bucket { return &bucket{objects: make(map[string][]byte)} }

func (b *bucket) Put(_ context.Context, path string, data io.Reader, _ string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.objects[path] = raw
	b.puts++
	return nil
}

func (b *bucket) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return b.Put(ctx, path, data, jsonlContentType)
}

func (b *bucket) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for k, v := range b.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (b *bucket) Exists(_ context.Context, path string) (bool, error) {
	_, ok := b.objects[path]
	return ok, nil
}

func (b *bucket) keys() []string {
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func appendEvents(t *testing.T, st *memory.Store, positions ...domain.Position) {
	t.Helper()
	for _, p := range positions {
		tx := common.BigToHash(new(big.Int).SetUint64(p.BlockNumber*1000 + p.LogIndex))
		rec := domain.EventRecord{
			ID:   identity.New(tx, p.LogIndex),
			Kind: domain.KindPaused,
			Fields: []domain.Field{
				{Name: "account", Type: "address", Value: "0x0000000000000000000000000000000000000001"},
			},
			Provenance: domain.Provenance{
				BlockNumber:    p.BlockNumber,
				BlockTimestamp: time.Unix(int64(p.BlockNumber), 0).UTC(),
				TxHash:         tx,
				LogIndex:       p.LogIndex,
			},
		}
		if _, err := st.Stores().Events.Append(context.Background(), rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func jsonlLines(t *testing.T, raw []byte) []domain.EventRecord {
	t.Helper()
	var out []domain.EventRecord
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		var rec struct {
			Provenance domain.Provenance `json:"provenance"`
			Kind       domain.Kind       `json:"kind"`
		}
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		out = append(out, domain.EventRecord{Kind: rec.Kind, Provenance: rec.Provenance})
	}
	return out
}

func TestObjectKey(t *testing.T) {
	from := domain.Position{BlockNumber: 120, LogIndex: 3}
	to := domain.Position{BlockNumber: 480, LogIndex: 1}
	key := objectKey(from, to)
	if key != "events/000000000120.000003-000000000480.000001.jsonl" {
		t.Fatalf("key=%s", key)
	}
	gotFrom, gotTo, ok := parseObjectKey(key)
	if !ok || gotFrom != from || gotTo != to {
		t.Fatalf("parse=%v %v %v", gotFrom, gotTo, ok)
	}
	for _, bad := range []string{"events/readme.txt", "other/000000000001.000000-000000000002.000000.jsonl"} {
		if _, _, ok := parseObjectKey(bad); ok {
			t.Errorf("parsed %q", bad)
		}
	}
}

func TestArchiveAfterBatches(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	appendEvents(t, st,
		domain.Position{BlockNumber: 1, LogIndex: 0},
		domain.Position{BlockNumber: 1, LogIndex: 4},
		domain.Position{BlockNumber: 2, LogIndex: 0},
		domain.Position{BlockNumber: 5, LogIndex: 1},
		domain.Position{BlockNumber: 7, LogIndex: 2},
	)
	b := newBucket()
	a := NewEventArchive(st.Stores().Events, b, b, 3)

	last, n, err := a.ArchiveAfter(ctx, domain.Position{})
	if err != nil || n != 3 {
		t.Fatalf("first batch n=%d err=%v", n, err)
	}
	if last != (domain.Position{BlockNumber: 2}) {
		t.Fatalf("last=%v", last)
	}

	last, n, err = a.ArchiveAfter(ctx, last)
	if err != nil || n != 2 || last != (domain.Position{BlockNumber: 7, LogIndex: 2}) {
		t.Fatalf("second batch last=%v n=%d err=%v", last, n, err)
	}

	again, n, err := a.ArchiveAfter(ctx, last)
	if err != nil || n != 0 || again != last {
		t.Fatalf("idle batch last=%v n=%d err=%v", again, n, err)
	}

	keys := b.keys()
	want := []string{
		"events/000000000001.000000-000000000002.000000.jsonl",
		"events/000000000005.000001-000000000007.000002.jsonl",
	}
	if !slices.Equal(keys, want) {
		t.Fatalf("keys=%v", keys)
	}
	lines := jsonlLines(t, b.objects[keys[0]])
	if len(lines) != 3 || lines[1].Provenance.LogIndex != 4 || lines[2].Kind != domain.KindPaused {
		t.Fatalf("lines=%+v", lines)
	}

	// The store still holds every record.
	count := 0
	for _, err := range st.Stores().Events.Range(ctx, domain.EventFilter{}, domain.Ascending) {
		if err != nil {
			t.Fatalf("Range: %v", err)
		}
		count++
	}
	if count != 5 {
		t.Fatalf("store has %d records", count)
	}
}

func TestArchiveResumesFromBucket(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	appendEvents(t, st,
		domain.Position{BlockNumber: 3, LogIndex: 0},
		domain.Position{BlockNumber: 4, LogIndex: 0},
		domain.Position{BlockNumber: 9, LogIndex: 0},
	)
	b := newBucket()
	b.objects[objectKey(domain.Position{BlockNumber: 3}, domain.Position{BlockNumber: 4})] = []byte("{}\n")

	a := NewEventArchive(st.Stores().Events, b, b, 0)
	last, n, err := a.ArchiveAfter(ctx, domain.Position{})
	if err != nil || n != 1 || last != (domain.Position{BlockNumber: 9}) {
		t.Fatalf("last=%v n=%d err=%v", last, n, err)
	}
}

func TestArchiveSkipsExistingObject(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	appendEvents(t, st, domain.Position{BlockNumber: 2, LogIndex: 1})
	b := newBucket()
	a := NewEventArchive(st.Stores().Events, b, b, 0)

	from := domain.Position{BlockNumber: 1}
	if _, _, err := a.ArchiveAfter(ctx, from); err != nil {
		t.Fatalf("ArchiveAfter: %v", err)
	}
	// Checkpoint write lost: the same range is exported again.
	last, n, err := a.ArchiveAfter(ctx, from)
	if err != nil || n != 1 || last != (domain.Position{BlockNumber: 2, LogIndex: 1}) {
		t.Fatalf("retry last=%v n=%d err=%v", last, n, err)
	}
	if b.puts != 1 {
		t.Fatalf("puts=%d", b.puts)
	}
}
