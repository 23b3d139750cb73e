package landmarks

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownGame indicates a game identifier with no configured table.
var ErrUnknownGame = errors.New("landmarks: unknown game")

// TablesConfig describes the set of per-game tables to open.
type TablesConfig struct {
	// DataDir holds one subdirectory per game with its snapshot and log.
	DataDir string
	// PhotosDir and TrashDir hold one subdirectory per game of live and
	// retired photos respectively.
	PhotosDir   string
	TrashDir    string
	Games       []string
	Resolver    *Resolver
	Clock       func() time.Time
	Logger      *zap.Logger
	LockTimeout time.Duration
}

// Tables is a registry of independent table handles keyed by game. Each
// handle owns its own files and writer lock, so the tables never contend
// with each other.
type Tables struct {
	stores map[string]*Store
	photos map[string]*PhotoStore
}

// OpenTables opens a Store per configured game.
func OpenTables(cfg TablesConfig) (*Tables, error) {
	if len(cfg.Games) == 0 {
		return nil, fmt.Errorf("landmarks: at least one game table is required")
	}
	tables := &Tables{
		stores: make(map[string]*Store, len(cfg.Games)),
		photos: make(map[string]*PhotoStore, len(cfg.Games)),
	}
	for _, game := range cfg.Games {
		photos := NewPhotoStore(
			filepath.Join(cfg.PhotosDir, game),
			filepath.Join(cfg.TrashDir, game),
			cfg.Clock,
		)
		store, err := Open(StoreConfig{
			Game:        game,
			Dir:         filepath.Join(cfg.DataDir, game),
			Photos:      photos,
			Resolver:    cfg.Resolver,
			Clock:       cfg.Clock,
			Logger:      cfg.Logger,
			LockTimeout: cfg.LockTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open table for game %s: %w", game, err)
		}
		tables.stores[game] = store
		tables.photos[game] = photos
	}
	return tables, nil
}

// Table returns the store for the given game.
func (t *Tables) Table(game string) (*Store, error) {
	store, ok := t.stores[game]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGame, game)
	}
	return store, nil
}

// Photos returns the photo store for the given game.
func (t *Tables) Photos(game string) (*PhotoStore, error) {
	photos, ok := t.photos[game]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGame, game)
	}
	return photos, nil
}

// Games lists the configured game identifiers.
func (t *Tables) Games() []string {
	games := make([]string, 0, len(t.stores))
	for game := range t.stores {
		games = append(games, game)
	}
	return games
}
