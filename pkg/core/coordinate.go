// pkg/core/coordinate.go
package core

// Coordinate is a WGS84 longitude/latitude pair in degrees.
// Values are carried as given; no bounds validation is applied.
type Coordinate struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// Position returns the coordinate in GeoJSON order: [longitude, latitude].
func (c Coordinate) Position() [2]float64 {
	return [2]float64{c.Lng, c.Lat}
}

// Ring is the append-only vertex list of the polygon being drawn.
// Closure (first vertex equal to last) is never enforced.
type Ring []Coordinate

// Append returns a new Ring with c added at the end. The receiver is left untouched.
func (r Ring) Append(c Coordinate) Ring {
	next := make(Ring, len(r), len(r)+1)
	copy(next, r)
	return append(next, c)
}
