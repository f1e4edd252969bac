package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fluxgate/dispatchcore/internal/logging"
)

// jobRecord is the GORM-persisted mirror of a Job. The queue itself stays
// in-memory (spec Non-goals: "in-memory with an optional snapshot hook");
// this table exists purely so an operator can inspect DLQ/queue contents
// after a crash, not to replay state across restarts automatically.
type jobRecord struct {
	ID         string `gorm:"primaryKey"`
	Compartment string `gorm:"index"` // "dlq" | "queue"
	Priority   string
	Status     string
	Attempts   int
	SnapshotAt time.Time `gorm:"index"`
	Data       string    // JSON-encoded Snapshot
}

func (jobRecord) TableName() string { return "dispatch_job_snapshots" }

// SnapshotStore persists periodic point-in-time dumps of the DLQ (and,
// optionally, the live queue) to SQLite via GORM, grounded on the
// teacher's GORM+SQLite usage for non-durable auxiliary storage.
type SnapshotStore struct {
	log *logging.Logger
	db  *gorm.DB
}

// OpenSnapshotStore opens (and migrates) a SQLite database at path. An
// empty path uses an in-memory database, useful for tests.
func OpenSnapshotStore(log *logging.Logger, path string) (*SnapshotStore, error) {
	if path == "" {
		path = "file::memory:?cache=shared"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&jobRecord{}); err != nil {
		return nil, err
	}
	return &SnapshotStore{log: log.With("component", "dispatch.SnapshotStore"), db: db}, nil
}

// Save replaces the stored snapshot for q's DLQ (and optionally its
// still-queued jobs) with their current contents. Best-effort: errors are
// logged, never propagated onto the dispatch path.
func (s *SnapshotStore) Save(ctx context.Context, q *Queue, includeQueued bool) {
	now := time.Now()
	var records []jobRecord
	for _, j := range q.DLQList() {
		records = append(records, toRecord(j.Snapshot(), "dlq", now))
	}
	if includeQueued {
		for _, p := range [...]Priority{PriorityHigh, PriorityNormal, PriorityLow} {
			for _, j := range q.buckets[p].snapshotAll() {
				records = append(records, toRecord(j.Snapshot(), "queue", now))
			}
		}
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		s.log.Warn("snapshot save: begin tx failed", "error", tx.Error)
		return
	}
	if err := tx.Where("compartment IN ?", []string{"dlq", "queue"}).Delete(&jobRecord{}).Error; err != nil {
		tx.Rollback()
		s.log.Warn("snapshot save: clear failed", "error", err)
		return
	}
	if len(records) > 0 {
		if err := tx.CreateInBatches(records, 100).Error; err != nil {
			tx.Rollback()
			s.log.Warn("snapshot save: insert failed", "error", err)
			return
		}
	}
	if err := tx.Commit().Error; err != nil {
		s.log.Warn("snapshot save: commit failed", "error", err)
	}
}

func toRecord(s Snapshot, compartment string, at time.Time) jobRecord {
	data, _ := json.Marshal(s)
	return jobRecord{
		ID: s.ID.String(), Compartment: compartment, Priority: string(s.Priority),
		Status: string(s.Status), Attempts: s.Attempts, SnapshotAt: at, Data: string(data),
	}
}

// LoadDLQSnapshot returns the job snapshots from the most recent DLQ save,
// for read-only inspection (e.g. an operator endpoint); it does not
// repopulate a live Queue.
func (s *SnapshotStore) LoadDLQSnapshot(ctx context.Context) ([]Snapshot, error) {
	var rows []jobRecord
	if err := s.db.WithContext(ctx).Where("compartment = ?", "dlq").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(rows))
	for _, r := range rows {
		var snap Snapshot
		if err := json.Unmarshal([]byte(r.Data), &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Run periodically saves the DLQ snapshot until ctx is cancelled. Intended
// to be launched as a background goroutine when snapshotting is enabled.
func (s *SnapshotStore) Run(ctx context.Context, q *Queue, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Save(ctx, q, false)
		}
	}
}
