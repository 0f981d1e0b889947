package reconciler

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

const (
	DefaultJournalDir     = "./wal/reconciler"
	imbalanceKeyPrefix    = "imbalance_"
	journalSegmentLimit   = 1000
	journalMaxSegments    = 100
	journalDirPermissions = 0o755
)

// Journal persists every imbalance transition so open imbalances survive a
// restart. The latest record per imbalance id wins on replay.
type Journal struct {
	mu      sync.RWMutex
	wal     *gowal.Wal
	records map[string]*domain.PositionImbalance
	order   []string
}

// OpenJournal opens or creates the journal under dir and replays it.
func OpenJournal(dir string, logger *zap.Logger) (*Journal, error) {
	if dir == "" {
		dir = DefaultJournalDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, journalDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure journal directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "log_",
		SegmentThreshold: journalSegmentLimit,
		MaxSegments:      journalMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init imbalance journal")
	}

	j := &Journal{wal: wal, records: make(map[string]*domain.PositionImbalance)}
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, imbalanceKeyPrefix) {
			continue
		}
		var rec domain.PositionImbalance
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			logger.Error("failed to unmarshal imbalance", zap.Error(err), zap.String("key", msg.Key))
			continue
		}
		j.remember(rec)
	}

	return j, nil
}

func (j *Journal) remember(rec domain.PositionImbalance) {
	if _, ok := j.records[rec.ID]; !ok {
		j.order = append(j.order, rec.ID)
	}
	j.records[rec.ID] = &rec
}

// Put writes the current state of an imbalance.
func (j *Journal) Put(rec domain.PositionImbalance) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal imbalance")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.wal.Write(j.wal.CurrentIndex()+1, imbalanceKeyPrefix+rec.ID, data); err != nil {
		return errors.Wrapf(err, "failed to journal imbalance %s", rec.ID)
	}
	j.remember(rec)
	return nil
}

// Pending returns open imbalances in creation order.
func (j *Journal) Pending() []domain.PositionImbalance {
	return j.filter(func(p domain.PositionImbalance) bool { return p.Open() })
}

// All returns every known imbalance in creation order.
func (j *Journal) All() []domain.PositionImbalance {
	return j.filter(func(domain.PositionImbalance) bool { return true })
}

func (j *Journal) filter(keep func(domain.PositionImbalance) bool) []domain.PositionImbalance {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]domain.PositionImbalance, 0, len(j.order))
	for _, id := range j.order {
		if rec := j.records[id]; rec != nil && keep(*rec) {
			out = append(out, *rec)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// ByExecution returns the imbalance created for an execution.
func (j *Journal) ByExecution(executionID string) (domain.PositionImbalance, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	for i := len(j.order) - 1; i >= 0; i-- {
		if rec := j.records[j.order[i]]; rec != nil && rec.ExecutionID == executionID {
			return *rec, true
		}
	}
	return domain.PositionImbalance{}, false
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wal.Close()
}
