package session

import (
	"github.com/mapmark/annotator/internal/dispatcher"
	"github.com/mapmark/annotator/internal/store"
	"github.com/mapmark/annotator/pkg/core"
	"github.com/mapmark/annotator/pkg/streaming"
)

func (s *Session) registerHandlers() {
	s.router.Register(streaming.TypeLoad, s.handleLoad, dispatcher.Logged())
	s.router.Register(streaming.TypeClick, s.handleClick, dispatcher.Logged())
	s.router.Register(streaming.TypeGeolocation, s.handleGeolocation, dispatcher.Logged())
	s.router.Register(streaming.TypeLabels, s.handleLabels)
	s.router.Register(streaming.TypeRemoveMarker, s.handleRemoveMarker, dispatcher.Logged())
	s.router.Register(streaming.TypeEditMarker, s.handleEditMarker, dispatcher.Logged())
	s.router.Register(streaming.TypeFlyToMarker, s.handleFlyToMarker, dispatcher.Logged())
}

func (s *Session) handleLoad(dispatcher.Event) (any, error) {
	return nil, s.bridge.Ready()
}

func (s *Session) handleClick(e dispatcher.Event) (any, error) {
	var p streaming.ClickPayload
	if err := e.Decode(&p); err != nil {
		return nil, err
	}
	return s.controller.Click(core.Coordinate{Lng: p.LngLat.Lng, Lat: p.LngLat.Lat}), nil
}

// handleGeolocation takes the browser's own position lookup. A failed lookup
// keeps the current center.
func (s *Session) handleGeolocation(e dispatcher.Event) (any, error) {
	var p streaming.GeolocationPayload
	if err := e.Decode(&p); err != nil {
		return nil, err
	}
	if p.Error != "" {
		s.logger.Debug("browser geolocation unavailable", "session", s.id, "reason", p.Error)
		return nil, nil
	}
	return s.recenter(core.Coordinate{Lng: p.Longitude, Lat: p.Latitude}), nil
}

func (s *Session) handleLabels(e dispatcher.Event) (any, error) {
	var p streaming.LabelsPayload
	if err := e.Decode(&p); err != nil {
		return nil, err
	}
	s.controller.SetMarkerLabel(p.Message)
	s.controller.SetPolygonLabel(p.MessagePolygon)
	return nil, nil
}

func (s *Session) handleRemoveMarker(e dispatcher.Event) (any, error) {
	var p streaming.MarkerPayload
	if err := e.Decode(&p); err != nil {
		return nil, err
	}
	outcome := s.controller.RemoveMarker(p.ID)
	s.logger.Debug("remove marker", "session", s.id, "id", p.ID, "outcome", outcome.String())
	return outcome, nil
}

func (s *Session) handleEditMarker(e dispatcher.Event) (any, error) {
	var p streaming.MarkerPayload
	if err := e.Decode(&p); err != nil {
		return nil, err
	}
	f, ok := s.controller.Marker(p.ID)
	if !ok {
		f = core.Feature{ID: p.ID}
	}
	outcome := s.controller.EditMarker(f, p.Message)
	s.logger.Debug("edit marker", "session", s.id, "id", p.ID, "outcome", outcome.String())
	return outcome, nil
}

func (s *Session) handleFlyToMarker(e dispatcher.Event) (any, error) {
	var p streaming.MarkerPayload
	if err := e.Decode(&p); err != nil {
		return nil, err
	}
	f, ok := s.controller.Marker(p.ID)
	if !ok {
		s.logger.Debug("fly to unknown marker", "session", s.id, "id", p.ID)
		return store.NotFound, nil
	}
	return s.controller.FlyTo(f), nil
}
