package game

import (
	"math"

	"roverworld.ai/internal/catalogs"
)

const earthRadiusM = 6371008.8

func rad(deg float64) float64 { return deg * math.Pi / 180 }

// Distance is the great-circle distance between a and b in metres.
func Distance(a, b catalogs.LatLng) float64 {
	dLat := rad(b.Lat - a.Lat)
	dLng := rad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// clip shortens from->to to limit metres, keeping the initial bearing of
// the great circle through both points.
func clip(from, to catalogs.LatLng, limit float64) (catalogs.LatLng, bool) {
	d := Distance(from, to)
	if d <= limit || d == 0 {
		return to, false
	}
	lat1, lng1 := rad(from.Lat), rad(from.Lng)
	lat2, dLng := rad(to.Lat), rad(to.Lng-from.Lng)
	bearing := math.Atan2(
		math.Sin(dLng)*math.Cos(lat2),
		math.Cos(lat1)*math.Sin(lat2)-math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng),
	)
	delta := limit / earthRadiusM
	lat := math.Asin(math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(bearing))
	lng := lng1 + math.Atan2(
		math.Sin(bearing)*math.Sin(delta)*math.Cos(lat1),
		math.Cos(delta)-math.Sin(lat1)*math.Sin(lat),
	)
	return catalogs.LatLng{Lat: deg(lat), Lng: normLng(deg(lng))}, true
}

func deg(r float64) float64 { return r * 180 / math.Pi }

// normLng folds a longitude into [-180, 180).
func normLng(lng float64) float64 {
	return math.Mod(math.Mod(lng+180, 360)+360, 360) - 180
}

// RegionContains reports whether p lies in the region's shape.
func RegionContains(r catalogs.RegionDef, p catalogs.LatLng) bool {
	switch r.Shape {
	case catalogs.ShapeCircle:
		return Distance(r.Center, p) <= r.RadiusM
	case catalogs.ShapePolygon:
		inside := false
		pts := r.Points
		for i, j := 0, len(pts)-1; i < len(pts); j, i = i, i+1 {
			a, b := pts[i], pts[j]
			if (a.Lat > p.Lat) != (b.Lat > p.Lat) &&
				p.Lng < (b.Lng-a.Lng)*(p.Lat-a.Lat)/(b.Lat-a.Lat)+a.Lng {
				inside = !inside
			}
		}
		return inside
	}
	return false
}

// regionAllows applies the region's restriction to p.
func regionAllows(r catalogs.RegionDef, p catalogs.LatLng) bool {
	switch r.Restrict {
	case catalogs.RestrictInside:
		return RegionContains(r, p)
	case catalogs.RestrictOutside:
		return !RegionContains(r, p)
	}
	return true
}
