package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

const (
	jsonlContentType   = "application/x-ndjson"
	eventsPrefix       = "events/"
	defaultArchiveSize = 10000
)

// EventArchive implements domain.EventArchiver. Every call exports the next
// run of raw events, ascending by position, as one JSONL object named after
// its first and last position:
//
//	events/000000000120.000003-000000000480.000001.jsonl
//
// Nothing is ever removed from the event store.
type EventArchive struct {
	events domain.EventStore
	writer domain.BlobWriter
	reader domain.BlobReader
	batch  int
}

// NewEventArchive creates an EventArchive exporting at most batch records
// per object. A non-positive batch uses 10000.
func NewEventArchive(events domain.EventStore, writer domain.BlobWriter, reader domain.BlobReader, batch int) *EventArchive {
	if batch <= 0 {
		batch = defaultArchiveSize
	}
	return &EventArchive{events: events, writer: writer, reader: reader, batch: batch}
}

// ArchiveAfter uploads the records strictly after pos. A zero pos means the
// caller has no checkpoint, in which case the export resumes after the newest
// object already in the bucket.
func (a *EventArchive) ArchiveAfter(ctx context.Context, pos domain.Position) (domain.Position, int64, error) {
	if pos == (domain.Position{}) {
		last, ok, err := a.lastArchived(ctx)
		if err != nil {
			return pos, 0, err
		}
		if ok {
			pos = last
		}
	}

	filter := domain.EventFilter{Limit: a.batch}
	if pos != (domain.Position{}) {
		filter.After = &pos
	}

	var (
		buf         bytes.Buffer
		first, last domain.Position
		n           int64
	)
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for rec, err := range a.events.Range(ctx, filter, domain.Ascending) {
		if err != nil {
			return pos, 0, fmt.Errorf("s3blob: archive range: %w", err)
		}
		if n == 0 {
			first = rec.Provenance.Position()
		}
		last = rec.Provenance.Position()
		if err := enc.Encode(rec); err != nil {
			return pos, 0, fmt.Errorf("s3blob: archive encode %s: %w", rec.ID, err)
		}
		n++
	}
	if n == 0 {
		return pos, 0, nil
	}

	key := objectKey(first, last)
	// A run interrupted between upload and checkpoint write re-exports the
	// same range on the next call.
	exists, err := a.reader.Exists(ctx, key)
	if err != nil {
		return pos, 0, err
	}
	if !exists {
		if int64(buf.Len()) >= minPartSize {
			err = a.writer.PutMultipart(ctx, key, &buf, minPartSize)
		} else {
			err = a.writer.Put(ctx, key, &buf, jsonlContentType)
		}
		if err != nil {
			return pos, 0, err
		}
	}
	return last, n, nil
}

func (a *EventArchive) lastArchived(ctx context.Context) (domain.Position, bool, error) {
	objects, err := a.reader.List(ctx, eventsPrefix)
	if err != nil {
		return domain.Position{}, false, err
	}
	var (
		newest domain.Position
		found  bool
	)
	for _, obj := range objects {
		_, to, ok := parseObjectKey(obj.Path)
		if !ok {
			continue
		}
		if !found || newest.Less(to) {
			newest, found = to, true
		}
	}
	return newest, found, nil
}

func objectKey(from, to domain.Position) string {
	return fmt.Sprintf("%s%012d.%06d-%012d.%06d.jsonl", eventsPrefix,
		from.BlockNumber, from.LogIndex, to.BlockNumber, to.LogIndex)
}

func parseObjectKey(key string) (from, to domain.Position, ok bool) {
	name, found := strings.CutPrefix(key, eventsPrefix)
	if !found {
		return from, to, false
	}
	name, found = strings.CutSuffix(name, ".jsonl")
	if !found {
		return from, to, false
	}
	n, err := fmt.Sscanf(name, "%d.%d-%d.%d",
		&from.BlockNumber, &from.LogIndex, &to.BlockNumber, &to.LogIndex)
	return from, to, err == nil && n == 4
}

var _ domain.EventArchiver = (*EventArchive)(nil)
