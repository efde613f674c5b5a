// Package geo implements the geohash index used to stamp and validate field
// locations and to run coarse-then-exact proximity searches.
package geo

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	MinPrecision = 1
	MaxPrecision = 10

	// ProximityPrecision is the hash length compared by ValidateProximity.
	ProximityPrecision = 8
)

const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

var (
	ErrInvalidCoordinate = errors.New("geo: invalid coordinate")
	ErrInvalidPrecision  = errors.New("geo: precision must be between 1 and 10")
	ErrInvalidHash       = errors.New("geo: invalid geohash")
)

var decodeTable [256]int8

func init() {
	for i := range decodeTable {
		decodeTable[i] = -1
	}
	for i := 0; i < len(base32); i++ {
		decodeTable[base32[i]] = int8(i)
	}
}

// Coordinate is a WGS84 latitude/longitude pair.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate reports whether the coordinate lies in [-90,90]x[-180,180].
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return fmt.Errorf("%w: NaN component", ErrInvalidCoordinate)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinate, c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinate, c.Lon)
	}
	return nil
}

// Cell is a decoded geohash: its centroid and half-width error bounds in degrees.
type Cell struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	ErrLat float64 `json:"errorLat"`
	ErrLon float64 `json:"errorLon"`
}

// Center returns the cell centroid.
func (c Cell) Center() Coordinate { return Coordinate{Lat: c.Lat, Lon: c.Lon} }

// Encode bisects the longitude and latitude ranges alternately, starting with
// longitude, and packs 5 bits per output character.
func Encode(lat, lon float64, precision int) (string, error) {
	if precision < MinPrecision || precision > MaxPrecision {
		return "", ErrInvalidPrecision
	}
	if err := (Coordinate{Lat: lat, Lon: lon}).Validate(); err != nil {
		return "", err
	}
	latLo, latHi := -90.0, 90.0
	lonLo, lonHi := -180.0, 180.0

	var sb strings.Builder
	sb.Grow(precision)
	even := true
	bit, ch := 0, 0
	for sb.Len() < precision {
		if even {
			mid := (lonLo + lonHi) / 2
			if lon >= mid {
				ch = ch<<1 | 1
				lonLo = mid
			} else {
				ch <<= 1
				lonHi = mid
			}
		} else {
			mid := (latLo + latHi) / 2
			if lat >= mid {
				ch = ch<<1 | 1
				latLo = mid
			} else {
				ch <<= 1
				latHi = mid
			}
		}
		even = !even
		if bit++; bit == 5 {
			sb.WriteByte(base32[ch])
			bit, ch = 0, 0
		}
	}
	return sb.String(), nil
}

// EncodeCoordinate is Encode for a Coordinate value.
func EncodeCoordinate(c Coordinate, precision int) (string, error) {
	return Encode(c.Lat, c.Lon, precision)
}

// Decode reverses Encode. Upper-case input is accepted.
func Decode(hash string) (Cell, error) {
	if len(hash) < MinPrecision || len(hash) > MaxPrecision {
		return Cell{}, fmt.Errorf("%w: length %d", ErrInvalidHash, len(hash))
	}
	hash = strings.ToLower(hash)
	latLo, latHi := -90.0, 90.0
	lonLo, lonHi := -180.0, 180.0
	even := true
	for i := 0; i < len(hash); i++ {
		v := decodeTable[hash[i]]
		if v < 0 {
			return Cell{}, fmt.Errorf("%w: unexpected symbol %q", ErrInvalidHash, hash[i])
		}
		for mask := 16; mask > 0; mask >>= 1 {
			on := int(v)&mask != 0
			if even {
				mid := (lonLo + lonHi) / 2
				if on {
					lonLo = mid
				} else {
					lonHi = mid
				}
			} else {
				mid := (latLo + latHi) / 2
				if on {
					latLo = mid
				} else {
					latHi = mid
				}
			}
			even = !even
		}
	}
	return Cell{
		Lat:    (latLo + latHi) / 2,
		Lon:    (lonLo + lonHi) / 2,
		ErrLat: (latHi - latLo) / 2,
		ErrLon: (lonHi - lonLo) / 2,
	}, nil
}

// precisionErrorKm is the commonly quoted positional error per precision.
var precisionErrorKm = [MaxPrecision + 1]float64{
	0, 2500, 630, 78, 20, 2.4, 0.61, 0.076, 0.019, 0.0024, 0.0006,
}

// PrecisionError returns the approximate positional error in kilometres of a
// hash of the given length, or 0 for an out-of-range precision.
func PrecisionError(precision int) float64 {
	if precision < MinPrecision || precision > MaxPrecision {
		return 0
	}
	return precisionErrorKm[precision]
}

// approxCellKm holds equatorial cell width and height in km per precision.
// Neighbors steps by these instead of the exact bit-derived cell size.
var approxCellKm = [MaxPrecision + 1][2]float64{
	{0, 0},
	{5009.4, 4992.6},
	{1252.3, 624.1},
	{156.5, 156},
	{39.1, 19.5},
	{4.89, 4.89},
	{1.22, 0.61},
	{0.153, 0.152},
	{0.0382, 0.0191},
	{0.00477, 0.00476},
	{0.00119, 0.000596},
}

const kmPerDegree = 111.32

// PrecisionForRadius returns the longest hash whose cell is at least
// radiusKm tall, so that one ring of neighbors around the center cell covers
// the radius. It never returns less than MinPrecision.
func PrecisionForRadius(radiusKm float64) int {
	for p := MaxPrecision; p > MinPrecision; p-- {
		if approxCellKm[p][1] >= radiusKm {
			return p
		}
	}
	return MinPrecision
}

// neighborOffsets is N, NE, E, SE, S, SW, W, NW as (dLat, dLon) steps.
var neighborOffsets = [8][2]float64{
	{1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}, {-1, -1}, {0, -1}, {1, -1},
}

// Neighbors returns up to eight distinct hashes of the same precision around
// hash, excluding hash itself. Cells past the poles or the antimeridian are
// not wrapped and simply omitted, and the step size is approximate, so cells
// near an edge may be missed or repeated (repeats are dropped).
func Neighbors(hash string) ([]string, error) {
	cell, err := Decode(hash)
	if err != nil {
		return nil, err
	}
	hash = strings.ToLower(hash)
	p := len(hash)
	lonStep := approxCellKm[p][0] / kmPerDegree
	latStep := approxCellKm[p][1] / kmPerDegree

	seen := map[string]struct{}{hash: {}}
	out := make([]string, 0, 8)
	for _, off := range neighborOffsets {
		lat := cell.Lat + off[0]*latStep
		lon := cell.Lon + off[1]*lonStep
		h, err := Encode(lat, lon, p)
		if err != nil {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out, nil
}
