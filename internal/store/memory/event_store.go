package memory

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

type eventStore struct{ view }

func comparePos(a, b domain.EventRecord) int {
	pa, pb := a.Provenance.Position(), b.Provenance.Position()
	switch {
	case pa.Less(pb):
		return -1
	case pb.Less(pa):
		return 1
	}
	return 0
}

func (s eventStore) Append(ctx context.Context, rec domain.EventRecord) (bool, error) {
	var (
		inserted bool
		err      error
	)
	s.write(func(st *state) {
		if existing, ok := st.events[rec.ID]; ok {
			if !existing.SameContents(rec) {
				err = fmt.Errorf("memory: append %s: %w", rec.ID, domain.ErrDuplicateEvent)
			}
			return
		}
		st.events[rec.ID] = rec
		idx, _ := slices.BinarySearchFunc(st.ordered, rec, comparePos)
		st.ordered = slices.Insert(st.ordered, idx, rec)
		inserted = true

		s.onRollback(func() {
			delete(st.events, rec.ID)
			i := slices.IndexFunc(st.ordered, func(r domain.EventRecord) bool { return r.ID == rec.ID })
			if i >= 0 {
				st.ordered = slices.Delete(st.ordered, i, i+1)
			}
		})
	})
	return inserted, err
}

func (s eventStore) Get(ctx context.Context, id domain.EventID) (domain.EventRecord, error) {
	var (
		rec domain.EventRecord
		ok  bool
	)
	s.read(func(st *state) { rec, ok = st.events[id] })
	if !ok {
		return domain.EventRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

// Range snapshots the matching records on every iteration, so ranging again
// observes appends made in between.
func (s eventStore) Range(ctx context.Context, filter domain.EventFilter, order domain.Order) iter.Seq2[domain.EventRecord, error] {
	return func(yield func(domain.EventRecord, error) bool) {
		var matched []domain.EventRecord
		s.read(func(st *state) {
			for _, rec := range st.ordered {
				if !filter.Matches(rec) {
					continue
				}
				if filter.After != nil {
					pos := rec.Provenance.Position()
					if order == domain.Ascending && !filter.After.Less(pos) {
						continue
					}
					if order == domain.Descending && !pos.Less(*filter.After) {
						continue
					}
				}
				matched = append(matched, rec)
			}
		})
		if order == domain.Descending {
			slices.Reverse(matched)
		}
		if filter.Limit > 0 && len(matched) > filter.Limit {
			matched = matched[:filter.Limit]
		}
		for _, rec := range matched {
			if err := ctx.Err(); err != nil {
				yield(domain.EventRecord{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
