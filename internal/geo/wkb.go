package geo

import (
	"fmt"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/mapmark/annotator/pkg/core"
)

// Journal geometry is stored as WKB MultiPoints in EPSG:4326, one point per
// feature or vertex, so SQLite without spatial extensions can still hold it.

// MultiPoint builds a MultiPoint from coordinates, preserving order.
func MultiPoint(coords []core.Coordinate) (geom.MultiPoint, error) {
	points := make([]geom.Point, 0, len(coords))
	for i, c := range coords {
		pt, err := geom.NewPoint(geom.Coordinates{
			XY:   geom.XY{X: c.Lng, Y: c.Lat},
			Type: geom.DimXY,
		})
		if err != nil {
			return geom.MultiPoint{}, fmt.Errorf("point %d: %w", i, err)
		}
		points = append(points, pt)
	}
	return geom.NewMultiPoint(points), nil
}

// FeaturesWKB encodes feature locations as a WKB MultiPoint.
func FeaturesWKB(features core.FeatureCollection) ([]byte, error) {
	coords := make([]core.Coordinate, 0, len(features))
	for _, f := range features {
		coords = append(coords, f.Geometry)
	}
	return encodeWKB(coords)
}

// RingWKB encodes polygon vertices as a WKB MultiPoint.
func RingWKB(ring core.Ring) ([]byte, error) {
	return encodeWKB(ring)
}

func encodeWKB(coords []core.Coordinate) ([]byte, error) {
	mp, err := MultiPoint(coords)
	if err != nil {
		return nil, err
	}
	return mp.AsBinary(), nil
}
