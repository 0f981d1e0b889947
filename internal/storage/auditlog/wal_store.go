// Package auditlog journals the audit event stream in a write-ahead log so it
// can be replayed after a restart or streamed to late subscribers.
package auditlog

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

const (
	DefaultDir     = "./wal/audit"
	segmentLimit   = 1000
	maxSegments    = 100
	eventKeyPrefix = "audit_"
)

// Publisher receives every record after it is durably written.
type Publisher interface {
	Publish(r domain.EventRecord)
}

// WALStore persists audit events in a WAL.
type WALStore struct {
	wal       *gowal.Wal
	mu        sync.RWMutex
	publisher Publisher
}

// NewWALStore initializes a WAL-backed audit store under dir.
func NewWALStore(dir string, publisher Publisher) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "audit_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init audit WAL")
	}

	return &WALStore{wal: wal, publisher: publisher}, nil
}

// Emit appends the event and publishes the resulting record.
func (s *WALStore) Emit(_ context.Context, e domain.Event) error {
	_, err := s.Save(e)
	return err
}

// Save appends the event and returns its record.
func (s *WALStore) Save(e domain.Event) (domain.EventRecord, error) {
	if s == nil || s.wal == nil {
		return domain.EventRecord{}, errors.New("audit store is not initialized")
	}
	if e.Kind == "" {
		return domain.EventRecord{}, errors.New("audit event kind is required")
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return domain.EventRecord{}, errors.Wrap(err, "marshal audit event")
	}

	s.mu.Lock()
	idx := s.wal.CurrentIndex() + 1
	err = s.wal.Write(idx, eventKeyPrefix+string(e.Kind), payload)
	s.mu.Unlock()
	if err != nil {
		return domain.EventRecord{}, errors.Wrap(err, "write audit event")
	}

	record := domain.EventRecord{Index: idx, Event: e}
	if s.publisher != nil {
		s.publisher.Publish(record)
	}
	return record, nil
}

// EventsAfter returns all events written after the provided WAL index.
func (s *WALStore) EventsAfter(index uint64) ([]domain.EventRecord, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("audit store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]domain.EventRecord, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := s.wal.Get(idx)
		if err != nil || !strings.HasPrefix(key, eventKeyPrefix) {
			continue
		}

		var e domain.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, errors.Wrapf(err, "decode audit event %d", idx)
		}
		records = append(records, domain.EventRecord{Index: idx, Event: e})
	}

	return records, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("audit store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
