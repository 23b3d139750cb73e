package landmarks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const (
	snapshotFileName = "landmarks.json"
	logFileName      = "landmarks_log.jsonl"
	lockFileName     = "landmarks.lock"

	defaultLockTimeout   = 5 * time.Second
	lockRetryInterval    = 25 * time.Millisecond
	opStoreOpen          = "landmarks.store.open"
	opCreateLandmark     = "landmarks.create"
	opEditLandmark       = "landmarks.edit"
	opRemoveLandmark     = "landmarks.remove"
	opGetAllLandmarks    = "landmarks.get_all"
	opSinceLandmarks     = "landmarks.since"
	opSnapshotPersist    = "landmarks.snapshot.persist"
	opChangeLogRecover   = "landmarks.log.recover"
	reasonMissingDir     = "missing_dir"
	reasonMissingPhotos  = "missing_photo_store"
	reasonMissingDerive  = "missing_resolver"
	reasonLockContention = "lock_contention"
)

var (
	errMissingDir        = errors.New("table directory is required")
	errMissingPhotoStore = errors.New("photo store is required")
	errMissingResolver   = errors.New("derived field resolver is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError tags a store failure with the operation and reason it arose
// from, while unwrapping to the underlying error kind.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes one table instance's dependencies.
type StoreConfig struct {
	// Game labels the table for logging; it does not affect paths.
	Game string
	// Dir holds the snapshot, change log and lock file for this table.
	Dir         string
	Photos      *PhotoStore
	Resolver    *Resolver
	Clock       func() time.Time
	Logger      *zap.Logger
	LockTimeout time.Duration
}

// Store orchestrates one landmark table: the in-memory records, the change
// log that is their ground truth, the snapshot cache, photo assets and
// derived-field recomputation. All mutations serialize through a
// cross-process advisory file lock plus an in-process mutex.
type Store struct {
	game        string
	mu          sync.RWMutex
	table       Table
	nextID      int64
	appliedSeq  int64
	log         *ChangeLog
	snapshots   *SnapshotStore
	fileLock    *flock.Flock
	photos      *PhotoStore
	resolver    *Resolver
	clock       func() time.Time
	logger      *zap.Logger
	lockTimeout time.Duration
}

// Open loads the table, recovering any change-log entries the snapshot has
// not yet absorbed. The log wins every disagreement with the snapshot.
func Open(cfg StoreConfig) (*Store, error) {
	if cfg.Dir == "" {
		return nil, newServiceError(opStoreOpen, reasonMissingDir, errMissingDir)
	}
	if cfg.Photos == nil {
		return nil, newServiceError(opStoreOpen, reasonMissingPhotos, errMissingPhotoStore)
	}
	if cfg.Resolver == nil {
		return nil, newServiceError(opStoreOpen, reasonMissingDerive, errMissingResolver)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, newServiceError(opStoreOpen, "create_dir", fmt.Errorf("%w: %v", ErrStorage, err))
	}

	changeLog, err := OpenChangeLog(filepath.Join(cfg.Dir, logFileName))
	if err != nil {
		return nil, newServiceError(opStoreOpen, "open_log", err)
	}

	store := &Store{
		game:        cfg.Game,
		log:         changeLog,
		snapshots:   NewSnapshotStore(filepath.Join(cfg.Dir, snapshotFileName)),
		fileLock:    flock.New(filepath.Join(cfg.Dir, lockFileName)),
		photos:      cfg.Photos,
		resolver:    cfg.Resolver,
		clock:       clock,
		logger:      logger,
		lockTimeout: lockTimeout,
	}

	snapshot, err := store.snapshots.Load()
	if err != nil {
		return nil, newServiceError(opStoreOpen, "load_snapshot", err)
	}
	store.table = snapshot.Landmarks
	store.nextID = snapshot.NextID
	store.appliedSeq = snapshot.LogSeq

	recovered, err := store.catchUpLocked()
	if err != nil {
		return nil, newServiceError(opStoreOpen, "replay_log", err)
	}
	if recovered > 0 {
		logger.Info("snapshot rebuilt from change log tail",
			zap.String("operation", opChangeLogRecover),
			zap.String("game", cfg.Game),
			zap.Int("entries", recovered))
		if err := store.persistSnapshotLocked(); err != nil {
			return nil, newServiceError(opStoreOpen, "repair_snapshot", err)
		}
	}

	return store, nil
}

// Create allocates a new landmark initialized with the given in-game
// coordinates and returns its identifier and record.
func (s *Store) Create(ctx context.Context, igCoordinates json.RawMessage, actor string) (LandmarkID, *Landmark, error) {
	if coordinatesAbsent(igCoordinates) {
		return "", nil, newServiceError(opCreateLandmark, "missing_coordinates",
			fmt.Errorf("%w: ig_coordinates", ErrMissingField))
	}
	normalized, err := Normalize(FieldIGCoordinates, igCoordinates)
	if err != nil {
		return "", nil, newServiceError(opCreateLandmark, "invalid_coordinates", err)
	}

	unlock, err := s.acquireWriter(ctx, opCreateLandmark)
	if err != nil {
		return "", nil, err
	}
	defer unlock()

	if err := s.refreshLocked(opCreateLandmark); err != nil {
		return "", nil, err
	}

	id := formatLandmarkID(s.nextID)
	ts := s.clock().UnixMilli()
	entries := []Entry{
		{TS: ts, Actor: actor, Op: OpCreate, ID: id},
		{TS: ts, Actor: actor, Op: OpEdit, ID: id, Field: FieldIGCoordinates, Value: normalized},
	}
	if err := s.commitLocked(opCreateLandmark, entries); err != nil {
		return "", nil, err
	}
	return id, s.table[id].Clone(), nil
}

// Edit sets one field of an existing landmark. Photo fields delegate to the
// photo store; a real-world address change recomputes and logs the derived
// coordinates and color in the same logical edit.
func (s *Store) Edit(ctx context.Context, id LandmarkID, key FieldKey, value json.RawMessage, photo *PhotoUpload, actor string) (*Landmark, error) {
	if !key.Editable() {
		return nil, newServiceError(opEditLandmark, "unknown_field", fmt.Errorf("%w: %q", ErrUnknownField, key))
	}

	unlock, err := s.acquireWriter(ctx, opEditLandmark)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.refreshLocked(opEditLandmark); err != nil {
		return nil, err
	}
	record, ok := s.table[id]
	if !ok {
		return nil, newServiceError(opEditLandmark, "unknown_landmark", fmt.Errorf("%w: %s", ErrUnknownLandmark, id))
	}

	ts := s.clock().UnixMilli()
	var entries []Entry
	if slot, isPhoto := key.PhotoSlot(); isPhoto {
		entry, changed, err := s.editPhotoLocked(record, id, key, slot, photo, ts, actor)
		if err != nil {
			return nil, err
		}
		if !changed {
			return record.Clone(), nil
		}
		entries = []Entry{entry}
	} else {
		entries, err = s.editValueLocked(ctx, id, key, value, ts, actor)
		if err != nil {
			return nil, err
		}
	}

	if err := s.commitLocked(opEditLandmark, entries); err != nil {
		return nil, err
	}
	return s.table[id].Clone(), nil
}

// Remove deletes the landmark from the live table and retires both photo
// slots. The identifier is permanently retired with it. Photo retirement is
// best-effort once the delete entry is durable.
func (s *Store) Remove(ctx context.Context, id LandmarkID, actor string) error {
	unlock, err := s.acquireWriter(ctx, opRemoveLandmark)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.refreshLocked(opRemoveLandmark); err != nil {
		return err
	}
	if _, ok := s.table[id]; !ok {
		return newServiceError(opRemoveLandmark, "unknown_landmark", fmt.Errorf("%w: %s", ErrUnknownLandmark, id))
	}

	ts := s.clock().UnixMilli()
	if err := s.commitLocked(opRemoveLandmark, []Entry{{TS: ts, Actor: actor, Op: OpDelete, ID: id}}); err != nil {
		return err
	}

	// The delete entry is already durable; a failed retirement leaves only an
	// orphaned file in the live photo directory, so the remove still succeeds.
	for _, slot := range []PhotoSlot{SlotInGame, SlotRealWorld} {
		if _, err := s.photos.Clear(id, slot); err != nil {
			s.logError(opRemoveLandmark, "retire_photo", err, zap.String("id", id.String()), zap.String("slot", string(slot)))
		}
	}
	return nil
}

// GetAll returns a copy of the full current table. Entries appended by other
// processes since the last operation are folded in first, so a handle that
// never writes still serves the table at the log's current length.
func (s *Store) GetAll() (Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(opGetAllLandmarks); err != nil {
		return nil, err
	}
	return s.table.Clone(), nil
}

// PhotoUpload carries one uploaded image for a photo field edit.
type PhotoUpload struct {
	Filename string
	Reader   io.Reader
}

func (s *Store) editPhotoLocked(record *Landmark, id LandmarkID, key FieldKey, slot PhotoSlot, photo *PhotoUpload, ts int64, actor string) (Entry, bool, error) {
	if photo == nil {
		moved, err := s.photos.Clear(id, slot)
		if err != nil {
			return Entry{}, false, newServiceError(opEditLandmark, "clear_photo", err)
		}
		currentlyEmpty := len(photoDimensions(record, key)) == 0
		if !moved && currentlyEmpty {
			// Clearing an absent photo is success with nothing to record.
			return Entry{}, false, nil
		}
		return Entry{TS: ts, Actor: actor, Op: OpEdit, ID: id, Field: key, Value: json.RawMessage("[]")}, true, nil
	}

	width, height, err := s.photos.Store(id, slot, photo.Filename, photo.Reader)
	if err != nil {
		return Entry{}, false, newServiceError(opEditLandmark, "store_photo", err)
	}
	value, err := json.Marshal([]int{width, height})
	if err != nil {
		return Entry{}, false, newServiceError(opEditLandmark, "encode_dimensions", fmt.Errorf("%w: %v", ErrStorage, err))
	}
	return Entry{TS: ts, Actor: actor, Op: OpEdit, ID: id, Field: key, Value: value}, true, nil
}

func (s *Store) editValueLocked(ctx context.Context, id LandmarkID, key FieldKey, value json.RawMessage, ts int64, actor string) ([]Entry, error) {
	normalized, err := Normalize(key, value)
	if err != nil {
		return nil, newServiceError(opEditLandmark, "invalid_value", err)
	}
	entries := []Entry{{TS: ts, Actor: actor, Op: OpEdit, ID: id, Field: key, Value: normalized}}

	if len(DerivedFrom(key)) > 0 {
		var address string
		if err := json.Unmarshal(normalized, &address); err != nil {
			return nil, newServiceError(opEditLandmark, "invalid_value", fmt.Errorf("%w: %v", ErrValidation, err))
		}
		derived, err := s.resolver.DeriveFromAddress(ctx, address)
		if err != nil {
			// Derivation failed, so the address change must not land either.
			return nil, newServiceError(opEditLandmark, "derive_failed", err)
		}
		for _, derivedKey := range DerivedFrom(key) {
			derivedValue, ok := derived.valueFor(derivedKey)
			if !ok {
				continue
			}
			encoded, err := json.Marshal(derivedValue)
			if err != nil {
				return nil, newServiceError(opEditLandmark, "encode_derived", fmt.Errorf("%w: %v", ErrStorage, err))
			}
			entries = append(entries, Entry{TS: ts, Actor: actor, Op: OpEdit, ID: id, Field: derivedKey, Value: encoded})
		}
	}
	return entries, nil
}

// commitLocked appends the entries durably, folds them into the live table
// and persists the snapshot. The append and the snapshot save appear atomic
// to any other mutation because both happen under the writer locks.
func (s *Store) commitLocked(operation string, entries []Entry) error {
	assigned, err := s.log.Append(entries...)
	if err != nil {
		s.logError(operation, "log_append", err)
		return newServiceError(operation, "log_append", err)
	}
	for _, entry := range assigned {
		if err := s.applyEntryLocked(entry); err != nil {
			s.logError(operation, "apply_entry", err, zap.Int64("seq", entry.Seq))
			return newServiceError(operation, "apply_entry", err)
		}
	}
	if err := s.persistSnapshotLocked(); err != nil {
		// The log entry is durable; the snapshot will be rebuilt from the
		// log on next open.
		s.logError(operation, "snapshot_save", err)
		return newServiceError(operation, "snapshot_save", err)
	}
	return nil
}

// applyEntryLocked folds one log entry into the table. Live mutations and
// replay both pass through here, which is what keeps "replay the log from
// empty" and the live table in exact agreement.
func (s *Store) applyEntryLocked(entry Entry) error {
	switch entry.Op {
	case OpCreate:
		s.table[entry.ID] = newLandmark(entry.TS / 1000)
		if suffix := entry.ID.Suffix(); suffix >= s.nextID {
			s.nextID = suffix + 1
		}
	case OpEdit:
		record, ok := s.table[entry.ID]
		if !ok {
			break
		}
		if err := record.ApplyField(entry.Field, entry.Value); err != nil {
			return err
		}
		seconds := entry.TS / 1000
		record.LastEdited.Overall = seconds
		switch entry.Field {
		case FieldIGPhoto:
			record.LastEdited.IGPhoto = seconds
		case FieldRLPhoto:
			record.LastEdited.RLPhoto = seconds
		}
	case OpDelete:
		delete(s.table, entry.ID)
	default:
		return fmt.Errorf("%w: unknown log op %q", ErrStorage, entry.Op)
	}
	if entry.Seq > s.appliedSeq {
		s.appliedSeq = entry.Seq
	}
	return nil
}

// catchUpLocked applies any log entries beyond the snapshot checkpoint and
// returns how many were applied.
func (s *Store) catchUpLocked() (int, error) {
	replay, err := s.log.ReplayAll()
	if err != nil {
		return 0, err
	}
	defer replay.Close()

	applied := 0
	for {
		entry, ok := replay.Next()
		if !ok {
			break
		}
		if entry.Seq <= s.appliedSeq {
			continue
		}
		if err := s.applyEntryLocked(entry); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, replay.Err()
}

func (s *Store) persistSnapshotLocked() error {
	return s.snapshots.Save(Snapshot{
		NextID:    s.nextID,
		LogSeq:    s.appliedSeq,
		Landmarks: s.table,
	})
}

// refreshLocked reconciles the in-memory table with entries another process
// appended since we last looked. Called with the writer locks held.
func (s *Store) refreshLocked(operation string) error {
	if _, err := s.catchUpLocked(); err != nil {
		s.logError(operation, "refresh", err)
		return newServiceError(operation, "refresh", err)
	}
	return nil
}

// acquireWriter takes the in-process mutex and then the cross-process file
// lock, failing with ErrLockTimeout when the table stays contended. The mutex
// comes first so the file lock is only ever held by the goroutine actually
// mutating.
func (s *Store) acquireWriter(ctx context.Context, operation string) (func(), error) {
	s.mu.Lock()

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	acquired, err := s.fileLock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, context.DeadlineExceeded) {
			s.logError(operation, reasonLockContention, err, zap.String("game", s.game))
			return nil, newServiceError(operation, reasonLockContention, fmt.Errorf("%w: %v", ErrLockTimeout, err))
		}
		return nil, newServiceError(operation, "lock_failed", fmt.Errorf("%w: %v", ErrStorage, err))
	}
	if !acquired {
		s.mu.Unlock()
		s.logError(operation, reasonLockContention, nil, zap.String("game", s.game))
		return nil, newServiceError(operation, reasonLockContention, ErrLockTimeout)
	}

	return func() {
		if err := s.fileLock.Unlock(); err != nil {
			s.logError(operation, "unlock_failed", err)
		}
		s.mu.Unlock()
	}, nil
}

func coordinatesAbsent(value json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(value))
	switch trimmed {
	case "", "null", `""`, "[]":
		return true
	}
	return false
}

func photoDimensions(record *Landmark, key FieldKey) []int {
	if key == FieldIGPhoto {
		return record.IGPhoto
	}
	return record.RLPhoto
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("landmark store error", attrs...)
}
