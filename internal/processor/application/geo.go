package application

import (
	"context"
	"sync"
	"time"

	"github.com/uber/h3-go/v4"

	"sbanalytics/internal/processor/domain"
	"sbanalytics/internal/processor/ports"
)

// h3SeenSoftCap bounds the per-process set of H3 cells already registered
// into storage. Registration is idempotent (ON CONFLICT DO NOTHING), so
// clearing the set early only costs a redundant insert attempt, never a
// correctness loss.
const h3SeenSoftCap = 20000

// GeoEnricher computes H3 cells and place/admin containment for a geo
// event, lazily registering new H3 cell geometry as it's encountered. It
// holds no transaction state; the Store for a given delivery is passed into
// Enrich by the caller.
type GeoEnricher struct {
	Resolutions []int

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewGeoEnricher(resolutions []int) *GeoEnricher {
	return &GeoEnricher{Resolutions: resolutions, seen: make(map[string]struct{})}
}

// Dims is everything PresenceMaterializer needs out of one geo point.
type Dims struct {
	H3ByRes    map[int]string
	Precision  domain.PrecisionClass
	PlaceID    string
	HasPlace   bool
	AdminCodes ports.AdminCodes
}

// Enrich computes H3 cells at every configured resolution, registers any
// unseen cell geometry, and resolves place/admin containment at eventTS.
func (g *GeoEnricher) Enrich(ctx context.Context, store ports.Store, lat, lon float64, accuracyM *float64, eventTS time.Time) (Dims, error) {
	class := domain.ClassifyPrecision(accuracyM)

	latLng := h3.NewLatLng(lat, lon)
	byRes := make(map[int]string, len(g.Resolutions))
	for _, res := range g.Resolutions {
		cell, err := h3.LatLngToCell(latLng, res)
		if err != nil {
			return Dims{}, err
		}
		cellStr := cell.String()
		byRes[res] = cellStr
		if err := g.registerCell(ctx, store, cell, cellStr, res); err != nil {
			return Dims{}, err
		}
	}

	placeID, found, err := store.LookupPlace(ctx, lon, lat, eventTS)
	if err != nil {
		return Dims{}, err
	}
	codes, err := store.LookupAdminCodes(ctx, lon, lat, eventTS)
	if err != nil {
		return Dims{}, err
	}
	codes = domain.DegradeAdminCodes(codes, class)

	return Dims{
		H3ByRes:    byRes,
		Precision:  class,
		PlaceID:    placeID,
		HasPlace:   found,
		AdminCodes: codes,
	}, nil
}

func (g *GeoEnricher) registerCell(ctx context.Context, store ports.Store, cell h3.Cell, cellStr string, res int) error {
	g.mu.Lock()
	_, already := g.seen[cellStr]
	if !already {
		if len(g.seen) >= h3SeenSoftCap {
			g.seen = make(map[string]struct{})
		}
		g.seen[cellStr] = struct{}{}
	}
	g.mu.Unlock()
	if already {
		return nil
	}

	boundary := cell.Boundary()
	verts := make([][2]float64, 0, len(boundary))
	for _, v := range boundary {
		verts = append(verts, [2]float64{v.Lng, v.Lat})
	}
	centroid, err := h3.CellToLatLng(cell)
	if err != nil {
		return err
	}

	return store.EnsureH3Cell(ctx, ports.H3Cell{
		Cell:        cellStr,
		Resolution:  res,
		Boundary:    verts,
		CentroidLon: centroid.Lng,
		CentroidLat: centroid.Lat,
	})
}
