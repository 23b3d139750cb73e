package geocode

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"
)

// ErrProvider indicates a transient provider failure. It is never cached;
// the next lookup for the same address retries the provider.
var ErrProvider = errors.New("geocode: provider failure")

// Candidate is one geocoding result for an address.
type Candidate struct {
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	FormattedAddress string  `json:"formatted_address"`
}

// Provider performs the external address lookup. An empty slice is a
// definitive "no match", distinct from an error.
type Provider interface {
	Geocode(ctx context.Context, address string) ([]Candidate, error)
}

type googleProvider struct {
	client *maps.Client
}

// NewGoogleProvider constructs a Provider backed by the Google Maps
// geocoding API.
func NewGoogleProvider(apiKey string) (Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("geocode: api key is required")
	}
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("geocode: build client: %w", err)
	}
	return &googleProvider{client: client}, nil
}

func (g *googleProvider) Geocode(ctx context.Context, address string) ([]Candidate, error) {
	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: address})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	candidates := make([]Candidate, 0, len(results))
	for _, result := range results {
		candidates = append(candidates, Candidate{
			Lat:              result.Geometry.Location.Lat,
			Lng:              result.Geometry.Location.Lng,
			FormattedAddress: result.FormattedAddress,
		})
	}
	return candidates, nil
}
