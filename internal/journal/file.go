// Package journal persists in-flight claims so a restarted node can report
// jobs it claimed but never finished.
package journal

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"jobnode/internal/coordinator"
)

const fileSuffix = ".claim.json"

// FileJournal stores one JSON file per claim in a directory.
type FileJournal struct {
	dir string
	log coordinator.Logger
}

// NewFileJournal creates dir if needed.
func NewFileJournal(dir string, log coordinator.Logger) (*FileJournal, error) {
	if dir == "" {
		return nil, errors.New("journal directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &FileJournal{dir: dir, log: coordinator.DefaultLogger(log)}, nil
}

func (j *FileJournal) path(jobID string) string {
	return filepath.Join(j.dir, hex.EncodeToString([]byte(jobID))+fileSuffix)
}

// Record writes rec atomically, replacing any earlier record for the job.
func (j *FileJournal) Record(ctx context.Context, rec coordinator.ClaimRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(j.dir, ".claim-*")
	if err != nil {
		return fmt.Errorf("journal temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), j.path(rec.JobID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit journal: %w", err)
	}
	return nil
}

// Clear removes the record for jobID. Clearing a missing record is not an error.
func (j *FileJournal) Clear(ctx context.Context, jobID string) error {
	err := os.Remove(j.path(jobID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear journal: %w", err)
	}
	return nil
}

// Pending returns all records, oldest claim first. Unreadable files are
// logged and left in place.
func (j *FileJournal) Pending(ctx context.Context) ([]coordinator.ClaimRecord, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("read journal dir: %w", err)
	}
	var recs []coordinator.ClaimRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(j.dir, e.Name()))
		if err != nil {
			j.log.Warnf("journal entry %s unreadable: %v", e.Name(), err)
			continue
		}
		var rec coordinator.ClaimRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			j.log.Warnf("journal entry %s corrupt: %v", e.Name(), err)
			continue
		}
		recs = append(recs, rec)
	}
	sortRecords(recs)
	return recs, nil
}

func sortRecords(recs []coordinator.ClaimRecord) {
	sort.Slice(recs, func(a, b int) bool {
		if recs[a].ClaimedAt.Equal(recs[b].ClaimedAt) {
			return recs[a].JobID < recs[b].JobID
		}
		return recs[a].ClaimedAt.Before(recs[b].ClaimedAt)
	})
}
