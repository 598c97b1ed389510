package dedup

import (
	"context"
	"strings"

	"github.com/sells-group/resource-discovery/internal/geo"
	"github.com/sells-group/resource-discovery/internal/model"
)

// fakeStore is an in-memory Lookup and SourceIndex.
type fakeStore struct {
	resources []model.ExistingResource
	err       error
	calls     int
}

func (f *fakeStore) FindExactAddressMatches(_ context.Context, address, city, state string) ([]model.ExistingResource, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []model.ExistingResource
	for _, r := range f.resources {
		if strings.EqualFold(r.Address, address) && strings.EqualFold(r.City, city) && strings.EqualFold(r.State, state) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) FindNearby(_ context.Context, box geo.BBox) ([]model.ExistingResource, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []model.ExistingResource
	for _, r := range f.resources {
		if r.Location != nil && box.Contains(*r.Location) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) SourceImported(_ context.Context, sourceURL string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	for _, r := range f.resources {
		if r.SourceURL != "" && r.SourceURL == sourceURL {
			return r.ID, true, nil
		}
	}
	return "", false, nil
}

func pt(lat, lng float64) *geo.Point {
	return &geo.Point{Lat: lat, Lng: lng}
}

// north returns a point about meters north of p.
func north(p geo.Point, meters float64) *geo.Point {
	return &geo.Point{Lat: p.Lat + meters/111195.0, Lng: p.Lng}
}
