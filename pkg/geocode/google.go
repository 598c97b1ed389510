package geocode

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/resource-discovery/internal/resilience"
)

const googleGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"

type googleReply struct {
	Status  string `json:"status"`
	Results []struct {
		Geometry struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
			LocationType string `json:"location_type"`
		} `json:"geometry"`
	} `json:"results"`
}

// geocodeGoogle is the fallback lookup. Google reports quota exhaustion in
// the body with a 200, which is treated like a 429.
func (g *geocoder) geocodeGoogle(ctx context.Context, addr AddressInput) (*Result, error) {
	var reply googleReply
	err := g.getJSON(ctx, "google", g.googleURL, url.Values{
		"address": {formatOneLine(addr)},
		"key":     {g.googleKey},
	}, &reply)
	if err != nil {
		return nil, err
	}

	switch {
	case reply.Status == "OVER_QUERY_LIMIT":
		return nil, resilience.NewTransientError(eris.New("geocode: google over query limit"), http.StatusTooManyRequests)
	case reply.Status != "OK" || len(reply.Results) == 0:
		return &Result{Source: "google"}, nil
	}

	geom := reply.Results[0].Geometry
	return &Result{
		Latitude:  geom.Location.Lat,
		Longitude: geom.Location.Lng,
		Source:    "google",
		Quality:   qualityFromLocationType(geom.LocationType),
		Matched:   true,
	}, nil
}

// qualityFromLocationType maps Google's location_type onto Result.Quality.
func qualityFromLocationType(locType string) string {
	switch strings.ToUpper(locType) {
	case "ROOFTOP":
		return "rooftop"
	case "RANGE_INTERPOLATED":
		return "range"
	case "GEOMETRIC_CENTER":
		return "centroid"
	default:
		return "approximate"
	}
}
