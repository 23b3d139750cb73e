package landmarks

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "image/png"

	_ "golang.org/x/image/webp"
)

// PhotoSlot distinguishes the two photo attachments of a landmark.
type PhotoSlot string

const (
	// SlotInGame holds the screenshot of the in-game location.
	SlotInGame PhotoSlot = "ig"
	// SlotRealWorld holds the photo of the real-world location.
	SlotRealWorld PhotoSlot = "rl"
)

var allowedPhotoExtensions = map[string]struct{}{
	"jpeg": {},
	"jpg":  {},
	"png":  {},
	"webp": {},
}

const storedPhotoQuality = 90

// PhotoStore keeps one live image file per (landmark, slot) pair and moves
// replaced or retired images into a retention directory instead of deleting
// them. The retention directory is never purged here.
type PhotoStore struct {
	liveDir  string
	trashDir string
	clock    func() time.Time
}

// NewPhotoStore binds a store to its live and retention directories.
func NewPhotoStore(liveDir, trashDir string, clock func() time.Time) *PhotoStore {
	if clock == nil {
		clock = time.Now
	}
	return &PhotoStore{liveDir: liveDir, trashDir: trashDir, clock: clock}
}

// Store decodes the uploaded image, converts it to RGB JPEG, writes it to the
// slot's live path (replacing any prior image) and returns the stored pixel
// dimensions. The extension allow-list is checked before any decoding work.
func (p *PhotoStore) Store(id LandmarkID, slot PhotoSlot, filename string, upload io.Reader) (width, height int, err error) {
	extension := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if _, ok := allowedPhotoExtensions[extension]; !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnsupportedImageFormat, extension)
	}

	decoded, _, err := image.Decode(upload)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrImageDecode, err)
	}

	bounds := decoded.Bounds()
	flattened := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(flattened, flattened.Bounds(), decoded, bounds.Min, draw.Src)

	if err := os.MkdirAll(p.liveDir, 0o755); err != nil {
		return 0, 0, fmt.Errorf("%w: create photo dir: %v", ErrStorage, err)
	}
	destination := p.livePath(id, slot)
	temporary := destination + ".tmp"
	file, err := os.Create(temporary)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: create photo: %v", ErrStorage, err)
	}
	if err := jpeg.Encode(file, flattened, &jpeg.Options{Quality: storedPhotoQuality}); err != nil {
		file.Close()
		os.Remove(temporary)
		return 0, 0, fmt.Errorf("%w: encode photo: %v", ErrStorage, err)
	}
	if err := file.Close(); err != nil {
		return 0, 0, fmt.Errorf("%w: close photo: %v", ErrStorage, err)
	}
	if err := os.Rename(temporary, destination); err != nil {
		return 0, 0, fmt.Errorf("%w: replace photo: %v", ErrStorage, err)
	}

	return bounds.Dx(), bounds.Dy(), nil
}

// Clear retires the slot's live image into the retention directory with a
// timestamp suffix. Clearing a slot with no image is a successful no-op; the
// returned flag reports whether an image was actually moved.
func (p *PhotoStore) Clear(id LandmarkID, slot PhotoSlot) (bool, error) {
	source := p.livePath(id, slot)
	if _, err := os.Stat(source); errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("%w: stat photo: %v", ErrStorage, err)
	}
	if err := os.MkdirAll(p.trashDir, 0o755); err != nil {
		return false, fmt.Errorf("%w: create retention dir: %v", ErrStorage, err)
	}
	retired := filepath.Join(
		p.trashDir,
		fmt.Sprintf("%s,%s,%d.jpg", id.String(), slot, p.clock().UnixMilli()),
	)
	if err := os.Rename(source, retired); err != nil {
		return false, fmt.Errorf("%w: retire photo: %v", ErrStorage, err)
	}
	return true, nil
}

// LivePath exposes the slot's current image path for serving.
func (p *PhotoStore) LivePath(id LandmarkID, slot PhotoSlot) string {
	return p.livePath(id, slot)
}

func (p *PhotoStore) livePath(id LandmarkID, slot PhotoSlot) string {
	return filepath.Join(p.liveDir, fmt.Sprintf("%s,%s.jpg", id.String(), slot))
}
