package landmarks

import "context"

// Geocoder resolves a normalized address to coordinates. An empty slice means
// a definitive "no match"; an error means the lookup itself failed.
type Geocoder interface {
	Resolve(ctx context.Context, address string) ([]float64, error)
}

// derivedFields is the single dependency rule for derived fields: editing the
// key on the left recomputes the fields on the right. Adding a derived field
// is a change to this table, not new control flow at edit sites.
var derivedFields = map[FieldKey][]FieldKey{
	FieldRLAddress: {FieldRLCoordinates, FieldColor},
}

// DerivedFrom returns the fields recomputed when key changes.
func DerivedFrom(key FieldKey) []FieldKey {
	return derivedFields[key]
}

// Derived carries the recomputed values for a real-world address change.
type Derived struct {
	Coordinates []float64
	Color       string
}

// Resolver computes derived landmark fields from a real-world address.
type Resolver struct {
	geocoder Geocoder
}

// NewResolver constructs a Resolver backed by the provided geocoder.
func NewResolver(geocoder Geocoder) *Resolver {
	return &Resolver{geocoder: geocoder}
}

// DeriveFromAddress computes coordinates and display color for the address.
// The color is a pure function of the address; the coordinates come from the
// geocoder, whose failure aborts the whole derivation.
func (r *Resolver) DeriveFromAddress(ctx context.Context, address string) (Derived, error) {
	coordinates, err := r.geocoder.Resolve(ctx, address)
	if err != nil {
		return Derived{}, err
	}
	if coordinates == nil {
		coordinates = []float64{}
	}
	return Derived{
		Coordinates: coordinates,
		Color:       ColorForAddress(address),
	}, nil
}

func (d Derived) valueFor(key FieldKey) (any, bool) {
	switch key {
	case FieldRLCoordinates:
		return d.Coordinates, true
	case FieldColor:
		return d.Color, true
	default:
		return nil, false
	}
}
