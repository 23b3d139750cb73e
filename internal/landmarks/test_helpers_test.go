package landmarks

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeGeocoder resolves from a fixed map and counts provider calls.
type fakeGeocoder struct {
	mu     sync.Mutex
	coords map[string][]float64
	err    error
	calls  int
}

func (f *fakeGeocoder) Resolve(_ context.Context, address string) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.coords[address], nil
}

// stepClock advances one second per reading so successive operations carry
// distinct timestamps.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type storeFixture struct {
	store *Store
	dir   string
	clock *stepClock
	geo   *fakeGeocoder
}

func newTestStore(t *testing.T) *storeFixture {
	t.Helper()
	return newTestStoreWithGeocoder(t, &fakeGeocoder{coords: map[string][]float64{}})
}

func newTestStoreWithGeocoder(t *testing.T, geo *fakeGeocoder) *storeFixture {
	t.Helper()
	dir := t.TempDir()
	clock := newStepClock()
	store := openTestStore(t, dir, clock, geo)
	return &storeFixture{store: store, dir: dir, clock: clock, geo: geo}
}

func openTestStore(t *testing.T, dir string, clock *stepClock, geo *fakeGeocoder) *Store {
	t.Helper()
	photos := NewPhotoStore(filepath.Join(dir, "photos"), filepath.Join(dir, "trash"), clock.Now)
	store, err := Open(StoreConfig{
		Game:     "5",
		Dir:      filepath.Join(dir, "table"),
		Photos:   photos,
		Resolver: NewResolver(geo),
		Clock:    clock.Now,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return store
}

func mustCreate(t *testing.T, fixture *storeFixture, actor string) LandmarkID {
	t.Helper()
	id, _, err := fixture.store.Create(context.Background(), rawJSON(`[1.5,2.5]`), actor)
	if err != nil {
		t.Fatalf("failed to create landmark: %v", err)
	}
	return id
}

func mustGetAll(t *testing.T, store *Store) Table {
	t.Helper()
	table, err := store.GetAll()
	if err != nil {
		t.Fatalf("failed to read table: %v", err)
	}
	return table
}

func rawJSON(value string) []byte {
	return []byte(value)
}

// encodePNG returns a small valid PNG of the given dimensions.
func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	var buffer bytes.Buffer
	if err := png.Encode(&buffer, image.NewRGBA(image.Rect(0, 0, width, height))); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buffer.Bytes()
}
