package tracker

import (
	"iter"
	"sort"

	"github.com/example/bus-tracking/internal/geo"
	"github.com/example/bus-tracking/internal/models"
)

// polyline samples a path by fraction of its great-circle length.
type polyline struct {
	points models.RoutePath
	cum    []float64 // cumulative length in meters at each point
	total  float64
}

func newPolyline(points models.RoutePath) polyline {
	pl := polyline{points: points, cum: make([]float64, len(points))}
	for i := 1; i < len(points); i++ {
		pl.cum[i] = pl.cum[i-1] + geo.Distance(points[i-1], points[i])
	}
	if len(points) > 0 {
		pl.total = pl.cum[len(points)-1]
	}
	return pl
}

// at returns the point at fraction f in [0,1] of the path length. A path
// of zero length is walked by index instead.
func (pl polyline) at(f float64) models.GeoPoint {
	n := len(pl.points)
	switch {
	case n == 0:
		return models.GeoPoint{}
	case n == 1 || f <= 0:
		return pl.points[0]
	case f >= 1:
		return pl.points[n-1]
	}

	if pl.total == 0 {
		pos := f * float64(n-1)
		i := int(pos)
		return geo.Lerp(pl.points[i], pl.points[i+1], pos-float64(i))
	}

	d := f * pl.total
	i := sort.SearchFloat64s(pl.cum, d)
	if i == 0 {
		return pl.points[0]
	}
	seg := pl.cum[i] - pl.cum[i-1]
	if seg == 0 {
		return pl.points[i]
	}
	return geo.Lerp(pl.points[i-1], pl.points[i], (d-pl.cum[i-1])/seg)
}

// Samples yields n evenly spaced points along path, excluding the start
// and ending exactly on the last point. Paths with fewer than two points
// yield nothing. The sequence is lazy and can be ranged over repeatedly.
func Samples(path models.RoutePath, n int) iter.Seq[models.GeoPoint] {
	return func(yield func(models.GeoPoint) bool) {
		if len(path) < 2 || n <= 0 {
			return
		}
		pl := newPolyline(path)
		for k := 1; k <= n; k++ {
			if !yield(pl.at(float64(k) / float64(n))) {
				return
			}
		}
	}
}
