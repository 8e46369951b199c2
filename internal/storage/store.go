// Package storage persists session snapshots and answers discovery queries.
package storage

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
	"github.com/DoyleJ11/board-session-sync/internal/queue"
)

var ErrSessionNotFound = apperr.NotFound("session not found")

// Record is the durable form of a session.
type Record struct {
	ID              string
	BoardPath       string
	Name            string
	CreatedByUserID string
	Discoverable    bool
	Latitude        *float64
	Longitude       *float64
	State           queue.State
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Snapshot is the part of a session the write buffer persists.
type Snapshot struct {
	SessionID string
	BoardPath string
	State     queue.State
}

type NearbySession struct {
	Record
	DistanceMeters float64
}

// SessionStore is implemented by GormStore and Memory.
type SessionStore interface {
	// Create inserts a new session. An existing id is a validation error.
	Create(ctx context.Context, rec Record) error
	// SaveSnapshot upserts queue state, ignoring snapshots older than the
	// stored version.
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, sessionID string) (*Record, error)
	// FindNearby returns discoverable sessions within radius meters of
	// (lat, lon) updated at or after since, closest first.
	FindNearby(ctx context.Context, lat, lon, radiusMeters float64, since time.Time, limit int) ([]NearbySession, error)
	// ListByUser returns sessions created by userID, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]Record, error)
	Ping(ctx context.Context) error
}

const earthRadiusMeters = 6371000.0

// DistanceMeters is the great-circle distance between two coordinates.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}

// boundingBox returns the lat/lon window enclosing a radius. wraps is true
// when the longitude window crosses the antimeridian or a pole.
func boundingBox(lat, lon, radiusMeters float64) (minLat, maxLat, minLon, maxLon float64, wraps bool) {
	dLat := radiusMeters / earthRadiusMeters * 180 / math.Pi
	minLat, maxLat = lat-dLat, lat+dLat
	if minLat <= -90 || maxLat >= 90 {
		return math.Max(minLat, -90), math.Min(maxLat, 90), -180, 180, true
	}
	dLon := dLat / math.Cos(lat*math.Pi/180)
	minLon, maxLon = lon-dLon, lon+dLon
	if minLon < -180 || maxLon > 180 {
		return minLat, maxLat, -180, 180, true
	}
	return minLat, maxLat, minLon, maxLon, false
}

// ValidCoordinates reports whether lat/lon are on the globe.
func ValidCoordinates(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 &&
		!math.IsNaN(lat) && !math.IsNaN(lon)
}

// rankNearby keeps candidates inside the radius, closest first.
func rankNearby(candidates []Record, lat, lon, radiusMeters float64, limit int) []NearbySession {
	out := make([]NearbySession, 0, len(candidates))
	for _, rec := range candidates {
		if rec.Latitude == nil || rec.Longitude == nil {
			continue
		}
		d := DistanceMeters(lat, lon, *rec.Latitude, *rec.Longitude)
		if d > radiusMeters {
			continue
		}
		out = append(out, NearbySession{Record: rec, DistanceMeters: d})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
