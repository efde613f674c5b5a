package geo

import (
	"math"
	"sort"
)

const earthRadiusKm = 6371.0

// Distance returns the great-circle distance in kilometres between a and b.
func Distance(a, b Coordinate) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

// Point is a searchable location, typically a stop or a driver.
type Point struct {
	ID string `json:"id"`
	Coordinate
}

// Match is a Point that survived FindNearby together with its distance.
type Match struct {
	Point
	DistanceKm float64 `json:"distanceKm"`
}

// FindNearby keeps the points whose hash at the given precision is the
// center's hash or one of its neighbors, then keeps those within radiusKm.
// Points with invalid coordinates are skipped. Results are nearest first.
//
// The coarse phase only covers one ring of cells, so a radius wider than a
// cell at the chosen precision will miss points that the exact phase would
// have accepted.
func FindNearby(center Coordinate, radiusKm float64, points []Point, precision int) ([]Match, error) {
	ch, err := EncodeCoordinate(center, precision)
	if err != nil {
		return nil, err
	}
	ring, err := Neighbors(ch)
	if err != nil {
		return nil, err
	}
	cells := make(map[string]struct{}, len(ring)+1)
	cells[ch] = struct{}{}
	for _, h := range ring {
		cells[h] = struct{}{}
	}

	out := []Match{}
	for _, p := range points {
		h, err := EncodeCoordinate(p.Coordinate, precision)
		if err != nil {
			continue
		}
		if _, ok := cells[h]; !ok {
			continue
		}
		if d := Distance(center, p.Coordinate); d <= radiusKm {
			out = append(out, Match{Point: p, DistanceKm: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

// Proximity is the outcome of a delivery-location check.
type Proximity struct {
	Valid          bool    `json:"valid"`
	DistanceMeters float64 `json:"distanceMeters"`
	HashMatch      bool    `json:"hashMatch"`
}

// ValidateProximity checks that actual is within toleranceMeters of expected.
// HashMatch reports whether both fall in the same precision-8 cell.
func ValidateProximity(actual, expected Coordinate, toleranceMeters float64) (Proximity, error) {
	ha, err := EncodeCoordinate(actual, ProximityPrecision)
	if err != nil {
		return Proximity{}, err
	}
	he, err := EncodeCoordinate(expected, ProximityPrecision)
	if err != nil {
		return Proximity{}, err
	}
	d := Distance(actual, expected) * 1000
	return Proximity{
		Valid:          d <= toleranceMeters,
		DistanceMeters: d,
		HashMatch:      ha == he,
	}, nil
}
