package store

import (
	"context"
	"sort"

	"github.com/go-redis/redis/v8"

	"schedd/internal/db"
	"schedd/internal/trigger"
)

// indexListener keeps the secondary indexes in step with primary storage.
// Every operation is idempotent so repeated or cross-process notifications are harmless.
type indexListener struct {
	s *Store
}

func (l *indexListener) ownerList(rec *db.JobRecord) string {
	if rec.OwnerUserID != nil {
		return l.s.ownerKey(*rec.OwnerUserID)
	}
	return l.s.generalKey()
}

func (l *indexListener) JobAdded(ctx context.Context, rec *db.JobRecord) {
	list := l.ownerList(rec)
	_, err := l.s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, list, 0, rec.ID)
		pipe.RPush(ctx, list, rec.ID)
		pipe.SAdd(ctx, l.s.kindKey(rec.Trigger.Kind), rec.ID)
		if rec.Category != "" {
			pipe.SAdd(ctx, l.s.categoryKey(rec.Category), rec.ID)
		}
		return nil
	})
	if err != nil {
		l.s.log.Warnw("Failed to index job", "job_id", rec.ID, "error", err)
	}
}

func (l *indexListener) JobRemoving(ctx context.Context, rec *db.JobRecord) {
	_, err := l.s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, l.ownerList(rec), 0, rec.ID)
		pipe.SRem(ctx, l.s.kindKey(rec.Trigger.Kind), rec.ID)
		if rec.Category != "" {
			pipe.SRem(ctx, l.s.categoryKey(rec.Category), rec.ID)
		}
		return nil
	})
	if err != nil {
		l.s.log.Warnw("Failed to unindex job", "job_id", rec.ID, "error", err)
	}
}

// Filter selects jobs by index. Zero fields do not constrain the result; set
// fields are intersected.
type Filter struct {
	OwnerUserID *int64
	General     bool
	Kind        trigger.Kind
	Category    string
}

func (f Filter) empty() bool {
	return f.OwnerUserID == nil && !f.General && f.Kind == "" && f.Category == ""
}

// Filter returns the jobs matching every criterion in f, ordered by id.
func (s *Store) Filter(ctx context.Context, f Filter) ([]*db.JobRecord, error) {
	if f.empty() {
		return s.ListAll(ctx)
	}

	var sets [][]string
	if f.OwnerUserID != nil {
		ids, err := s.listIDs(ctx, "filter jobs", s.ownerKey(*f.OwnerUserID))
		if err != nil {
			return nil, err
		}
		sets = append(sets, ids)
	}
	if f.General {
		ids, err := s.listIDs(ctx, "filter jobs", s.generalKey())
		if err != nil {
			return nil, err
		}
		sets = append(sets, ids)
	}
	if f.Kind != "" {
		ids, err := s.setIDs(ctx, "filter jobs", s.kindKey(f.Kind))
		if err != nil {
			return nil, err
		}
		sets = append(sets, ids)
	}
	if f.Category != "" {
		ids, err := s.setIDs(ctx, "filter jobs", s.categoryKey(f.Category))
		if err != nil {
			return nil, err
		}
		sets = append(sets, ids)
	}

	ids := intersect(sets)
	sort.Strings(ids)
	return s.loadMany(ctx, "filter jobs", ids)
}

func intersect(sets [][]string) []string {
	if len(sets) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, set := range sets {
		seen := make(map[string]struct{}, len(set))
		for _, id := range set {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			counts[id]++
		}
	}
	var out []string
	for id, n := range counts {
		if n == len(sets) {
			out = append(out, id)
		}
	}
	return out
}
