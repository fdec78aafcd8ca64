package api

import (
	"github.com/mr1hm/go-safety-alerts/internal/models"
)

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}
type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}
type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// toGeoJSON maps alerts that carry a position; alerts without one are left out.
func toGeoJSON(alerts []models.Alert) FeatureCollection {
	features := make([]Feature, 0, len(alerts))

	for _, a := range alerts {
		if a.Location == nil {
			continue
		}
		props := map[string]any{
			"id":         a.ID,
			"type":       string(a.Type),
			"severity":   string(a.Severity),
			"status":     string(a.Status),
			"title":      a.Title,
			"message":    a.Message,
			"trip_id":    a.TripID,
			"created_at": a.CreatedAt,
			"deadline":   a.Deadline(),
		}
		if a.DistanceFromPlannedKm != nil {
			props["distance_from_planned_km"] = *a.DistanceFromPlannedKm
		}
		f := Feature{
			Type: "Feature",
			Geometry: Geometry{
				Type:        "Point",
				Coordinates: []float64{a.Location.Longitude, a.Location.Latitude},
			},
			Properties: props,
		}
		features = append(features, f)
	}

	return FeatureCollection{
		Type:     "FeatureCollection",
		Features: features,
	}
}
