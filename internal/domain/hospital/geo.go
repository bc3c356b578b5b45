package hospital

import "math"

const earthRadiusKM = 6371.0

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

// Haversine returns the great-circle distance in kilometres between two
// points given in decimal degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	// Clamp for float error on antipodal points.
	return 2 * earthRadiusKM * math.Asin(math.Min(1, math.Sqrt(a)))
}

func Distance(a, b *Hospital) float64 {
	return Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}
