package landmarks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrValidation indicates a field value that cannot be normalized.
	ErrValidation = errors.New("landmarks: invalid field value")
	// ErrUnknownLandmark indicates an identifier absent from the live table.
	ErrUnknownLandmark = errors.New("landmarks: unknown landmark id")
	// ErrUnknownField indicates an unrecognized or non-editable field key.
	ErrUnknownField = errors.New("landmarks: unknown landmark field")
	// ErrMissingField indicates a required value was absent.
	ErrMissingField = errors.New("landmarks: required field missing")
	// ErrUnsupportedImageFormat indicates a photo upload outside the allow-list.
	ErrUnsupportedImageFormat = errors.New("landmarks: unsupported image file type")
	// ErrImageDecode indicates photo bytes that could not be decoded.
	ErrImageDecode = errors.New("landmarks: image decode failed")
	// ErrLockTimeout indicates contention on the table writer lock.
	ErrLockTimeout = errors.New("landmarks: writer lock timeout")
	// ErrStorage indicates a filesystem failure during log append or snapshot save.
	ErrStorage = errors.New("landmarks: storage failure")
)

// FieldKey names one landmark field at the log and normalization boundary.
type FieldKey string

const (
	FieldIGAddress     FieldKey = "ig_address"
	FieldIGCoordinates FieldKey = "ig_coordinates"
	FieldIGPhoto       FieldKey = "ig_photo"
	FieldRLAddress     FieldKey = "rl_address"
	FieldRLCoordinates FieldKey = "rl_coordinates"
	FieldRLPhoto       FieldKey = "rl_photo"
	FieldTags          FieldKey = "tags"
	FieldColor         FieldKey = "color"
)

// EditableFieldKeys lists the fields a client may set directly. The derived
// fields (rl_coordinates, color) are only ever written by the resolver.
var EditableFieldKeys = []FieldKey{
	FieldIGAddress,
	FieldIGCoordinates,
	FieldIGPhoto,
	FieldRLAddress,
	FieldRLPhoto,
	FieldTags,
}

// Editable reports whether clients may set the field directly.
func (k FieldKey) Editable() bool {
	for _, candidate := range EditableFieldKeys {
		if k == candidate {
			return true
		}
	}
	return false
}

// PhotoSlot returns the photo slot backing the field, if any.
func (k FieldKey) PhotoSlot() (PhotoSlot, bool) {
	switch k {
	case FieldIGPhoto:
		return SlotInGame, true
	case FieldRLPhoto:
		return SlotRealWorld, true
	default:
		return "", false
	}
}

// LandmarkID is a validated landmark identifier of the form x<decimal>.
type LandmarkID string

// NewLandmarkID validates raw input and returns a LandmarkID.
func NewLandmarkID(rawInput string) (LandmarkID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if _, err := parseIDSuffix(trimmed); err != nil {
		return "", err
	}
	return LandmarkID(trimmed), nil
}

// String returns the underlying string identifier.
func (id LandmarkID) String() string {
	return string(id)
}

// Suffix returns the numeric portion of the identifier.
func (id LandmarkID) Suffix() int64 {
	suffix, err := parseIDSuffix(string(id))
	if err != nil {
		return 0
	}
	return suffix
}

func parseIDSuffix(value string) (int64, error) {
	if len(value) < 2 || value[0] != 'x' {
		return 0, fmt.Errorf("%w: malformed landmark id %q", ErrUnknownLandmark, value)
	}
	suffix, err := strconv.ParseInt(value[1:], 10, 64)
	if err != nil || suffix < 1 {
		return 0, fmt.Errorf("%w: malformed landmark id %q", ErrUnknownLandmark, value)
	}
	return suffix, nil
}

func formatLandmarkID(suffix int64) LandmarkID {
	return LandmarkID("x" + strconv.FormatInt(suffix, 10))
}

// EditStamps carries the last-edited marker: the overall edit time plus the
// per-photo edit times, all unix seconds. Serialized as a 3-element array.
type EditStamps struct {
	Overall int64
	IGPhoto int64
	RLPhoto int64
}

// MarshalJSON encodes the stamps as [overall, ig_photo, rl_photo].
func (e EditStamps) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int64{e.Overall, e.IGPhoto, e.RLPhoto})
}

// UnmarshalJSON decodes the 3-element array form.
func (e *EditStamps) UnmarshalJSON(data []byte) error {
	var values [3]int64
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	e.Overall, e.IGPhoto, e.RLPhoto = values[0], values[1], values[2]
	return nil
}

// Landmark models one mapped location. In-game coordinates are opaque to the
// store and kept as raw JSON; photo fields hold stored pixel dimensions.
type Landmark struct {
	IGAddress     string          `json:"ig_address"`
	IGCoordinates json.RawMessage `json:"ig_coordinates"`
	IGPhoto       []int           `json:"ig_photo"`
	RLAddress     string          `json:"rl_address"`
	RLCoordinates []float64       `json:"rl_coordinates"`
	RLPhoto       []int           `json:"rl_photo"`
	Tags          []string        `json:"tags"`
	Color         string          `json:"color"`
	LastEdited    EditStamps      `json:"last_edited"`
}

// newLandmark builds the default record assigned at creation time.
func newLandmark(createdAtSeconds int64) *Landmark {
	return &Landmark{
		IGCoordinates: json.RawMessage("[]"),
		IGPhoto:       []int{},
		RLCoordinates: []float64{},
		RLPhoto:       []int{},
		Tags:          []string{},
		Color:         ColorForAddress(""),
		LastEdited:    EditStamps{Overall: createdAtSeconds},
	}
}

// Clone returns a deep copy safe to hand to callers.
func (l *Landmark) Clone() *Landmark {
	if l == nil {
		return nil
	}
	clone := *l
	clone.IGCoordinates = append(json.RawMessage(nil), l.IGCoordinates...)
	clone.IGPhoto = append([]int(nil), l.IGPhoto...)
	clone.RLCoordinates = append([]float64(nil), l.RLCoordinates...)
	clone.RLPhoto = append([]int(nil), l.RLPhoto...)
	clone.Tags = append([]string(nil), l.Tags...)
	return &clone
}

// ApplyField sets one field from its serialized log form. Both the live edit
// path and change-log replay funnel through here so the two can never drift.
func (l *Landmark) ApplyField(key FieldKey, value json.RawMessage) error {
	switch key {
	case FieldIGAddress:
		return applyString(key, value, &l.IGAddress)
	case FieldIGCoordinates:
		if len(value) == 0 || !json.Valid(value) {
			return fmt.Errorf("%w: %s is not valid JSON", ErrValidation, key)
		}
		l.IGCoordinates = append(json.RawMessage(nil), value...)
		return nil
	case FieldIGPhoto:
		return applyDimensions(key, value, &l.IGPhoto)
	case FieldRLAddress:
		return applyString(key, value, &l.RLAddress)
	case FieldRLCoordinates:
		var coordinates []float64
		if err := json.Unmarshal(value, &coordinates); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrValidation, key, err)
		}
		if coordinates == nil {
			coordinates = []float64{}
		}
		l.RLCoordinates = coordinates
		return nil
	case FieldRLPhoto:
		return applyDimensions(key, value, &l.RLPhoto)
	case FieldTags:
		var tags []string
		if err := json.Unmarshal(value, &tags); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrValidation, key, err)
		}
		if tags == nil {
			tags = []string{}
		}
		l.Tags = tags
		return nil
	case FieldColor:
		return applyString(key, value, &l.Color)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, key)
	}
}

func applyString(key FieldKey, value json.RawMessage, target *string) error {
	var decoded string
	if err := json.Unmarshal(value, &decoded); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidation, key, err)
	}
	*target = decoded
	return nil
}

func applyDimensions(key FieldKey, value json.RawMessage, target *[]int) error {
	var dimensions []int
	if err := json.Unmarshal(value, &dimensions); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidation, key, err)
	}
	if len(dimensions) != 0 && len(dimensions) != 2 {
		return fmt.Errorf("%w: %s must be empty or [width, height]", ErrValidation, key)
	}
	if dimensions == nil {
		dimensions = []int{}
	}
	*target = dimensions
	return nil
}
