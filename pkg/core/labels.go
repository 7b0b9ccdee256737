// pkg/core/labels.go
package core

// Labels holds the pending label text typed by the user before clicking.
type Labels struct {
	Message        string `json:"message"`
	MessagePolygon string `json:"messagePoligon"`
}

// Clear empties both buffers.
func (l *Labels) Clear() {
	l.Message = ""
	l.MessagePolygon = ""
}

// Intent is what a click should create, computed once from the label buffers.
type Intent uint8

const (
	IntentNone Intent = iota
	IntentMarker
	IntentPolygonVertex
	IntentBoth
)

// Intent derives the click intent. The two buffers are evaluated independently.
func (l Labels) Intent() Intent {
	marker := l.Message != ""
	polygon := l.MessagePolygon != ""
	switch {
	case marker && polygon:
		return IntentBoth
	case polygon:
		return IntentPolygonVertex
	case marker:
		return IntentMarker
	default:
		return IntentNone
	}
}

// CreatesMarker reports whether the intent adds a point marker.
func (i Intent) CreatesMarker() bool {
	return i == IntentMarker || i == IntentBoth
}

// CreatesPolygonVertex reports whether the intent adds a polygon vertex and its marker.
func (i Intent) CreatesPolygonVertex() bool {
	return i == IntentPolygonVertex || i == IntentBoth
}

func (i Intent) String() string {
	switch i {
	case IntentMarker:
		return "marker"
	case IntentPolygonVertex:
		return "polygon_vertex"
	case IntentBoth:
		return "both"
	default:
		return "none"
	}
}
