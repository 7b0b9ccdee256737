package streaming

import (
	"encoding/json"
	"fmt"
)

// Message types sent to the map client.
const (
	TypeAddSource = "add_source"
	TypeAddLayer  = "add_layer"
	TypeSetData   = "set_data"
	TypeFlyTo     = "fly_to"
	TypeError     = "error"
)

// Message types received from the map client.
const (
	TypeLoad         = "load"
	TypeClick        = "click"
	TypeGeolocation  = "geolocation"
	TypeLabels       = "labels"
	TypeRemoveMarker = "remove_marker"
	TypeEditMarker   = "edit_marker"
	TypeFlyToMarker  = "fly_to_marker"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal builds a JSON-encoded Envelope from a message type and payload.
func Marshal(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		raw = b
	}
	data, err := json.Marshal(Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

// SourcePayload carries add_source and set_data. Data is a GeoJSON document.
type SourcePayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// LayerPayload carries add_layer.
type LayerPayload struct {
	Layer json.RawMessage `json:"layer"`
}

// FlyToPayload carries fly_to. Center is [lng, lat].
type FlyToPayload struct {
	Center [2]float64 `json:"center"`
}

// ErrorPayload reports a rejected inbound message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// LngLat mirrors the map library's click coordinate.
type LngLat struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// ClickPayload is a pointer click on the map.
type ClickPayload struct {
	LngLat LngLat `json:"lngLat"`
}

// GeolocationPayload is the browser's one-shot position lookup.
// Error is set when the lookup was unsupported or denied.
type GeolocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Error     string  `json:"error,omitempty"`
}

// LabelsPayload updates the pending label buffers.
type LabelsPayload struct {
	Message        string `json:"message"`
	MessagePolygon string `json:"messagePoligon"`
}

// MarkerPayload addresses a marker by id. Message is used by edit_marker.
type MarkerPayload struct {
	ID      int64  `json:"id"`
	Message string `json:"message,omitempty"`
}
