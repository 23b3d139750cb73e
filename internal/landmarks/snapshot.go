package landmarks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Table is the materialized current set of landmark records.
type Table map[LandmarkID]*Landmark

// Clone returns a deep copy of the table.
func (t Table) Clone() Table {
	clone := make(Table, len(t))
	for id, record := range t {
		clone[id] = record.Clone()
	}
	return clone
}

// sortedIDs returns the table's identifiers ordered by numeric suffix.
func (t Table) sortedIDs() []LandmarkID {
	ids := make([]LandmarkID, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Suffix() < ids[j].Suffix() })
	return ids
}

// Snapshot is the persisted form of a table: the records plus the monotonic
// ID counter and the change-log checkpoint they reflect. The snapshot is a
// rebuildable cache of the log; the log is ground truth.
type Snapshot struct {
	NextID    int64 `json:"next_id"`
	LogSeq    int64 `json:"log_seq"`
	Landmarks Table `json:"landmarks"`
}

// SnapshotStore persists the table atomically at a fixed path.
type SnapshotStore struct {
	path string
}

// NewSnapshotStore binds a store to the snapshot file path.
func NewSnapshotStore(path string) *SnapshotStore {
	return &SnapshotStore{path: path}
}

// Load reads the current snapshot. A missing file yields an empty table with
// the ID counter at its starting value.
func (s *SnapshotStore) Load() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{NextID: 1, Landmarks: Table{}}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: read snapshot: %v", ErrStorage, err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decode snapshot: %v", ErrStorage, err)
	}
	if snapshot.Landmarks == nil {
		snapshot.Landmarks = Table{}
	}
	if snapshot.NextID < 1 {
		snapshot.NextID = 1
	}
	return snapshot, nil
}

// Save writes the snapshot to a temporary file and renames it into place, so
// a concurrent reader never observes a partially written table. Output is
// deterministic: records are emitted in numeric ID order, one per line, so
// equivalent tables serialize byte-identically.
func (s *SnapshotStore) Save(snapshot Snapshot) error {
	encoded, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	temporary := s.path + ".tmp"
	if err := os.WriteFile(temporary, encoded, 0o644); err != nil {
		return fmt.Errorf("%w: write snapshot: %v", ErrStorage, err)
	}
	if err := os.Rename(temporary, s.path); err != nil {
		return fmt.Errorf("%w: replace snapshot: %v", ErrStorage, err)
	}
	if err := syncDir(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("%w: sync snapshot dir: %v", ErrStorage, err)
	}
	return nil
}

func encodeSnapshot(snapshot Snapshot) ([]byte, error) {
	var buffer bytes.Buffer
	fmt.Fprintf(&buffer, "{\n  \"next_id\": %d,\n  \"log_seq\": %d,\n  \"landmarks\": {", snapshot.NextID, snapshot.LogSeq)
	ids := snapshot.Landmarks.sortedIDs()
	for i, id := range ids {
		record, err := json.Marshal(snapshot.Landmarks[id])
		if err != nil {
			return nil, fmt.Errorf("%w: encode landmark %s: %v", ErrStorage, id, err)
		}
		separator := ","
		if i == len(ids)-1 {
			separator = ""
		}
		fmt.Fprintf(&buffer, "\n    %q: %s%s", id.String(), record, separator)
	}
	if len(ids) > 0 {
		buffer.WriteString("\n  ")
	}
	buffer.WriteString("}\n}\n")
	return buffer.Bytes(), nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
