package store

import (
	"math"
	"sort"
)

// earthRadiusM matches the radius Redis uses for its geo commands so both
// backends agree on what is inside a radius.
const earthRadiusM = 6372797.560856

// HaversineKm returns the great-circle distance between two points in kilometers.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := lat1 * math.Pi / 180
	p2 := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(p1)*math.Cos(p2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(a))) / 1000
}

// boundingBox is a lat/lon rectangle enclosing a search circle.
// wrapsLon is set when the box crosses the antimeridian or a pole; the
// longitude bounds are then unusable as a filter.
type boundingBox struct {
	minLat, maxLat float64
	minLon, maxLon float64
	wrapsLon       bool
}

func boxAround(lat, lon, radiusKm float64) boundingBox {
	dLat := radiusKm * 1000 / earthRadiusM * 180 / math.Pi
	b := boundingBox{
		minLat: math.Max(-90, lat-dLat),
		maxLat: math.Min(90, lat+dLat),
	}
	cosLat := math.Cos(lat * math.Pi / 180)
	if cosLat < 1e-9 || b.minLat == -90 || b.maxLat == 90 {
		b.wrapsLon = true
		return b
	}
	dLon := dLat / cosLat
	b.minLon, b.maxLon = lon-dLon, lon+dLon
	if b.minLon < -180 || b.maxLon > 180 {
		b.wrapsLon = true
	}
	return b
}

type geoHit struct {
	member string
	distKm float64
}

// sortHits orders hits nearest first; equal distances fall back to member name.
func sortHits(hits []geoHit) []string {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].distKm != hits[j].distKm {
			return hits[i].distKm < hits[j].distKm
		}
		return hits[i].member < hits[j].member
	})
	members := make([]string, len(hits))
	for i, h := range hits {
		members[i] = h.member
	}
	return members
}
