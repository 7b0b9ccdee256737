package geo

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mapmark/annotator/pkg/core"
)

// Document is a GeoJSON value a renderer source can be loaded with.
type Document interface {
	MarshalJSON() ([]byte, error)
}

// ToFeatureCollection maps features, in order, to a GeoJSON FeatureCollection of points.
// Each feature carries its labels and its id as properties.
func ToFeatureCollection(features core.FeatureCollection) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		fc.Append(toPointFeature(f))
	}
	return fc
}

func toPointFeature(f core.Feature) *geojson.Feature {
	out := geojson.NewFeature(toPoint(f.Geometry))
	out.ID = f.ID
	for k, v := range f.Properties {
		out.Properties[k] = v
	}
	out.Properties["id"] = f.ID
	return out
}

// ToPolygonDocument wraps the ring as the single outer ring of a Polygon feature.
// The ring is not closed here; first and last vertex stay as given.
func ToPolygonDocument(ring core.Ring) *geojson.Feature {
	r := make(orb.Ring, 0, len(ring))
	for _, c := range ring {
		r = append(r, toPoint(c))
	}
	return geojson.NewFeature(orb.Polygon{r})
}

func toPoint(c core.Coordinate) orb.Point {
	return orb.Point{c.Lng, c.Lat}
}
