package api

import (
	"sort"
	"sync"
	"time"

	"github.com/joe14all/lab-portal-sub002/internal/geo"
)

// LatestLocation is the last reported position of a driver.
type LatestLocation struct {
	LabID    string    `json:"labId"`
	DriverID string    `json:"driverId"`
	RouteID  string    `json:"routeId,omitempty"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Geohash  string    `json:"geohash"`
	Heading  float64   `json:"heading,omitempty"`
	SpeedKph float64   `json:"speedKph,omitempty"`
	At       time.Time `json:"at"`
}

// LocationCache stores the latest location per lab and driver. Older reports
// never overwrite newer ones.
type LocationCache struct {
	mu sync.RWMutex
	m  map[string]map[string]LatestLocation
}

func NewLocationCache() *LocationCache {
	return &LocationCache{m: map[string]map[string]LatestLocation{}}
}

// Upsert stores loc and reports whether it replaced the previous value.
func (c *LocationCache) Upsert(loc LatestLocation) bool {
	if loc.LabID == "" || loc.DriverID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	lab, ok := c.m[loc.LabID]
	if !ok {
		lab = map[string]LatestLocation{}
		c.m[loc.LabID] = lab
	}
	if prev, ok := lab[loc.DriverID]; ok && prev.At.After(loc.At) {
		return false
	}
	lab[loc.DriverID] = loc
	return true
}

// ListByLab returns the lab's drivers ordered by id.
func (c *LocationCache) ListByLab(lab string) []LatestLocation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]LatestLocation, 0, len(c.m[lab]))
	for _, v := range c.m[lab] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

// Points returns the lab's drivers as searchable points.
func (c *LocationCache) Points(lab string) []geo.Point {
	locs := c.ListByLab(lab)
	out := make([]geo.Point, len(locs))
	for i, l := range locs {
		out[i] = geo.Point{ID: l.DriverID, Coordinate: geo.Coordinate{Lat: l.Lat, Lon: l.Lon}}
	}
	return out
}

// ActivityEntry is one applied field action.
type ActivityEntry struct {
	ActionType string    `json:"actionType"`
	Event      string    `json:"event"`
	DriverID   string    `json:"driverId,omitempty"`
	StopID     string    `json:"stopId,omitempty"`
	PickupID   string    `json:"pickupId,omitempty"`
	Status     string    `json:"status,omitempty"`
	At         time.Time `json:"at"`
}

// ActivityLog keeps the most recent entries per lab and route.
type ActivityLog struct {
	mu    sync.Mutex
	limit int
	m     map[string][]ActivityEntry
}

func NewActivityLog(limit int) *ActivityLog {
	return &ActivityLog{limit: limit, m: map[string][]ActivityEntry{}}
}

func (l *ActivityLog) Add(lab, route string, e ActivityEntry) {
	if route == "" {
		return
	}
	k := lab + "/" + route
	l.mu.Lock()
	defer l.mu.Unlock()
	list := append(l.m[k], e)
	if len(list) > l.limit {
		list = list[len(list)-l.limit:]
	}
	l.m[k] = list
}

// Route returns the entries oldest first.
func (l *ActivityLog) Route(lab, route string) []ActivityEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ActivityEntry{}, l.m[lab+"/"+route]...)
}
