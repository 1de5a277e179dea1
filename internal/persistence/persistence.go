// Package persistence implements the round snapshot store, keyed by
// round id, generalized from the teacher's internal/task/store.go
// fileStore (one JSON file per task id) into one JSON file per round
// id: <dataDir>/rounds/<roundId>.json, written atomically. The
// atomic-write sequence itself (temp file in the same directory,
// fsync, rename) is the teacher's, but it is shaped here around round
// snapshots specifically rather than an arbitrary payload: the temp
// file carries the round id for traceability in the rounds directory,
// and a failed write is logged at Warn with the round id so an
// operator can see which round stayed hot-and-dirty per the eviction
// policy in dispatcher.go.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"pathfleet/internal/model"
)

const roundsDirPerm os.FileMode = 0o750

// Snapshot is a convenience alias for the persisted round shape.
type Snapshot = model.Snapshot

// Sink is the persistence contract the dispatcher depends on:
// read/write/delete of a full serialized round snapshot per round id.
type Sink interface {
	Read(ctx context.Context, roundID string) (*Snapshot, bool, error)
	Write(ctx context.Context, roundID string, snap *Snapshot) error
	Delete(ctx context.Context, roundID string) error
	List(ctx context.Context) ([]string, error)
}

// FileSink implements Sink over the local filesystem.
type FileSink struct {
	dataDir string
}

// NewFileSink builds a FileSink rooted at dataDir. Snapshot files live
// under <dataDir>/rounds/.
func NewFileSink(dataDir string) *FileSink {
	if dataDir == "" {
		dataDir = "storage/rounds"
	}
	return &FileSink{dataDir: dataDir}
}

func (s *FileSink) roundsDir() string {
	return filepath.Join(s.dataDir, "rounds")
}

func (s *FileSink) path(roundID string) string {
	return filepath.Join(s.roundsDir(), roundID+".json")
}

// Prepare creates the rounds directory up front, so a permissions
// problem fails the process at startup rather than on the first
// round eviction.
func (s *FileSink) Prepare() error {
	if err := os.MkdirAll(s.roundsDir(), roundsDirPerm); err != nil { //nolint:gosec // app-owned data dir
		return fmt.Errorf("prepare rounds dir: %w", err)
	}
	return nil
}

// Read loads the snapshot for roundID. The second return value is
// false when no snapshot exists for that id.
func (s *FileSink) Read(_ context.Context, roundID string) (*Snapshot, bool, error) {
	data, err := os.ReadFile(s.path(roundID)) //nolint:gosec // round id is generated by nextRoundID, not user input
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read snapshot %s: %w", roundID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("unmarshal snapshot %s: %w", roundID, err)
	}
	return &snap, true, nil
}

// Write atomically replaces the snapshot for roundID: encode to a
// round-id-tagged temp file in the rounds directory, fsync, close,
// then rename over the existing snapshot. A failure here leaves the
// prior on-disk snapshot untouched, which is what lets evictLocked
// keep a round hot and dirty instead of losing data.
func (s *FileSink) Write(_ context.Context, roundID string, snap *Snapshot) error {
	if err := s.Prepare(); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(s.roundsDir(), roundID+".tmp-*")
	if err != nil {
		return fmt.Errorf("write snapshot %s: create temp: %w", roundID, err)
	}
	tmpName := tempFile.Name()

	enc := json.NewEncoder(tempFile)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(snap); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		log.Warn().Str("round_id", roundID).Err(err).Msg("encode round snapshot failed")
		return fmt.Errorf("write snapshot %s: encode: %w", roundID, err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		log.Warn().Str("round_id", roundID).Err(err).Msg("sync round snapshot failed")
		return fmt.Errorf("write snapshot %s: sync: %w", roundID, err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write snapshot %s: close: %w", roundID, err)
	}

	target := s.path(roundID)
	if _, err := os.Stat(target); err == nil {
		// remove first: avoids rename-over-existing permission quirks
		_ = os.Remove(target)
	}
	if err := os.Rename(tmpName, target); err != nil {
		log.Warn().Str("round_id", roundID).Err(err).Msg("rename round snapshot failed")
		return fmt.Errorf("write snapshot %s: rename: %w", roundID, err)
	}
	return nil
}

// Delete removes the snapshot for roundID, if present.
func (s *FileSink) Delete(_ context.Context, roundID string) error {
	if err := os.Remove(s.path(roundID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot %s: %w", roundID, err)
	}
	return nil
}

// List enumerates round ids with a persisted snapshot, used to
// rediscover cold rounds on process restart.
func (s *FileSink) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.roundsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rounds dir: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
