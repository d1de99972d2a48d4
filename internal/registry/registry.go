// Package registry is the immutable catalogue of observation stations.
// It is built once from configuration and never mutated afterwards.
package registry

import (
	"fmt"
	"sort"

	"github.com/agroclima/quillota/internal/models"
)

type NotFoundError struct {
	StationID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown station %q", e.StationID)
}

type Registry struct {
	byID  map[string]models.Station
	order []string
}

func New(stations []models.Station) *Registry {
	r := &Registry{byID: make(map[string]models.Station, len(stations))}
	for _, st := range stations {
		r.byID[st.StationID] = st
		r.order = append(r.order, st.StationID)
	}
	sort.Strings(r.order)
	return r
}

// List enumerates stations in stable (id-sorted) order.
func (r *Registry) List() []models.Station {
	out := make([]models.Station, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Registry) Get(stationID string) (models.Station, error) {
	st, ok := r.byID[stationID]
	if !ok {
		return models.Station{}, &NotFoundError{StationID: stationID}
	}
	return st, nil
}

func (r *Registry) Has(stationID string) bool {
	_, ok := r.byID[stationID]
	return ok
}

func (r *Registry) Len() int {
	return len(r.order)
}
