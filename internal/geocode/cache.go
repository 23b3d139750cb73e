package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("geocode: database handle is required")
	errMissingProvider = errors.New("geocode: provider is required")
)

// CacheEntry memoizes one provider response, including confirmed empty
// results. Entries never expire and are never invalidated: a stale or empty
// result is a deliberate decision, not something to refresh behind the
// caller's back.
type CacheEntry struct {
	Address          string `gorm:"column:address;primaryKey;size:512;not null"`
	ResultsJSON      string `gorm:"column:results_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CacheEntry) TableName() string {
	return "geocode_cache"
}

// CacheConfig describes the cache dependencies.
type CacheConfig struct {
	Database *gorm.DB
	Provider Provider
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Cache memoizes address lookups. Keys are exact address strings; callers
// pass the already-normalized address. A definitive result, empty included,
// is persisted before Resolve returns and is never fetched again.
type Cache struct {
	db       *gorm.DB
	provider Provider
	clock    func() time.Time
	logger   *zap.Logger
}

// NewCache constructs the memoizing cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Provider == nil {
		return nil, errMissingProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{db: cfg.Database, provider: cfg.Provider, clock: clock, logger: logger}, nil
}

// Resolve returns the [lat, lng] pair for the address, or nil for a
// confirmed "no match". The empty address short-circuits without touching
// the provider. Provider failures propagate uncached.
func (c *Cache) Resolve(ctx context.Context, address string) ([]float64, error) {
	if address == "" {
		return nil, nil
	}

	var entry CacheEntry
	err := c.db.WithContext(ctx).Where("address = ?", address).Take(&entry).Error
	if err == nil {
		return coordinatesFromJSON(entry.ResultsJSON)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: cache read: %v", ErrProvider, err)
	}

	candidates, err := c.provider.Geocode(ctx, address)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(candidates)
	if err != nil {
		return nil, fmt.Errorf("%w: encode result: %v", ErrProvider, err)
	}
	entry = CacheEntry{
		Address:          address,
		ResultsJSON:      string(encoded),
		CreatedAtSeconds: c.clock().UTC().Unix(),
	}
	if err := c.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("%w: cache write: %v", ErrProvider, err)
	}
	c.logger.Debug("geocode result cached",
		zap.String("address", address),
		zap.Int("candidates", len(candidates)))

	return coordinatesFromJSON(entry.ResultsJSON)
}

func coordinatesFromJSON(encoded string) ([]float64, error) {
	var candidates []Candidate
	if err := json.Unmarshal([]byte(encoded), &candidates); err != nil {
		return nil, fmt.Errorf("%w: decode cached result: %v", ErrProvider, err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return []float64{candidates[0].Lat, candidates[0].Lng}, nil
}
