package landmarks

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// EntryOp enumerates the change-log operation shapes.
type EntryOp string

const (
	// OpCreate records the allocation of a new landmark identifier. It is
	// always immediately followed by an OpEdit for the initiating field.
	OpCreate EntryOp = "create"
	// OpEdit records one field taking a new value.
	OpEdit EntryOp = "edit"
	// OpDelete records removal of the whole landmark.
	OpDelete EntryOp = "delete"
)

// Entry is one immutable change-log record. Seq is the authoritative order;
// TS (unix milliseconds) is the wall-clock cursor for incremental sync.
// Field and Value are empty for whole-record operations.
type Entry struct {
	Seq   int64           `json:"seq"`
	TS    int64           `json:"ts"`
	Actor string          `json:"actor"`
	Op    EntryOp         `json:"op"`
	ID    LandmarkID      `json:"id"`
	Field FieldKey        `json:"field,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ChangeLog is the append-only durable sequence of mutation entries for one
// table. Entries are flushed to disk before Append returns; prior entries are
// never rewritten.
type ChangeLog struct {
	path    string
	mu      sync.Mutex
	lastSeq int64
}

// OpenChangeLog opens (or prepares to create) the log at path and recovers
// the last assigned sequence number.
func OpenChangeLog(path string) (*ChangeLog, error) {
	log := &ChangeLog{path: path}
	replay, err := log.ReplayAll()
	if err != nil {
		return nil, err
	}
	defer replay.Close()
	for {
		entry, ok := replay.Next()
		if !ok {
			break
		}
		log.lastSeq = entry.Seq
	}
	if err := replay.Err(); err != nil {
		return nil, err
	}
	return log, nil
}

// LastSeq returns the sequence number of the most recent entry.
func (l *ChangeLog) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Append assigns sequence numbers to the entries and writes them durably to
// the end of the log. Either every entry is flushed or none is reported
// written; the file is synced before return.
func (l *ChangeLog) Append(entries ...Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open log: %v", ErrStorage, err)
	}
	defer file.Close()

	assigned := make([]Entry, len(entries))
	var batch bytes.Buffer
	seq := l.lastSeq
	for i, entry := range entries {
		seq++
		entry.Seq = seq
		line, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: encode log entry: %v", ErrStorage, err)
		}
		batch.Write(line)
		batch.WriteByte('\n')
		assigned[i] = entry
	}
	// The whole batch goes down in one write so a concurrent reader of the
	// O_APPEND file never observes a torn line.
	if _, err := file.Write(batch.Bytes()); err != nil {
		return nil, fmt.Errorf("%w: append log entries: %v", ErrStorage, err)
	}
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("%w: sync log: %v", ErrStorage, err)
	}
	l.lastSeq = seq
	return assigned, nil
}

// ReplayFrom returns a lazy forward iterator over entries with TS >= cursor
// (inclusive). Each call opens an independent, restartable pass over the log
// as it exists right now.
func (l *ChangeLog) ReplayFrom(cursor int64) (*Replay, error) {
	return l.newReplay(func(entry Entry) bool { return entry.TS >= cursor })
}

// ReplayAll returns a lazy forward iterator over every entry.
func (l *ChangeLog) ReplayAll() (*Replay, error) {
	return l.newReplay(func(Entry) bool { return true })
}

func (l *ChangeLog) newReplay(keep func(Entry) bool) (*Replay, error) {
	file, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Replay{keep: keep}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open log: %v", ErrStorage, err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Replay{file: file, scanner: scanner, keep: keep}, nil
}

// Replay iterates change-log entries in log order.
type Replay struct {
	file    io.Closer
	scanner *bufio.Scanner
	keep    func(Entry) bool
	err     error
}

// Next returns the next matching entry, or false at end of log or on error.
func (r *Replay) Next() (Entry, bool) {
	if r.scanner == nil || r.err != nil {
		return Entry{}, false
	}
	for r.scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
			r.err = fmt.Errorf("%w: corrupt log entry: %v", ErrStorage, err)
			return Entry{}, false
		}
		if r.keep(entry) {
			return entry, true
		}
	}
	if err := r.scanner.Err(); err != nil {
		r.err = fmt.Errorf("%w: read log: %v", ErrStorage, err)
	}
	return Entry{}, false
}

// Err reports any failure encountered during iteration.
func (r *Replay) Err() error {
	return r.err
}

// Close releases the underlying file handle.
func (r *Replay) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}
