// Package events defines the canonical event shape shared by the ingest,
// outbox-publisher, and processor components, and the wire envelope they
// exchange through the outbox and the broker.
package events

import (
	"encoding/json"
	"time"
)

// Document is an arbitrary, not-yet-validated event document as submitted by
// a client. Keys are preserved verbatim so unknown fields survive a
// round-trip through the outbox onto the wire.
type Document map[string]any

// GeoContext is the only part of CanonicalEvent.Context this system reads.
// Lat/Lon are required for presence materialization; AccuracyM and Source
// are optional.
type GeoContext struct {
	Lat        float64
	Lon        float64
	HasLatLon  bool
	AccuracyM  *float64
	Source     string
}

// CanonicalEvent is the normalized result of EnvelopeParser.Parse. Payload
// and Context are kept as opaque documents; only Context's nested geo
// object is ever inspected, via Geo().
type CanonicalEvent struct {
	EventID      string
	TraceID      string
	Producer     string
	Actor        string
	AppUUID      string
	EventType    string
	Timestamp    time.Time
	AnonUserID   string
	DeviceIDHash string
	SessionID    string
	SDKVersion   string
	EventVersion string
	Payload      Document
	Context      Document

	// Raw is the original submitted document, used to build the wire
	// envelope without losing fields this system doesn't model.
	Raw Document
}

// Geo extracts context.geo, if present and well-formed.
func (e CanonicalEvent) Geo() (GeoContext, bool) {
	raw, ok := e.Context["geo"]
	if !ok {
		return GeoContext{}, false
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return GeoContext{}, false
	}
	lat, latOK := asFloat(obj["lat"])
	lon, lonOK := asFloat(obj["lon"])
	if !latOK || !lonOK {
		return GeoContext{}, false
	}
	g := GeoContext{Lat: lat, Lon: lon, HasLatLon: true}
	if acc, ok := asFloat(obj["accuracy_m"]); ok {
		g.AccuracyM = &acc
	}
	if src, ok := obj["source"].(string); ok {
		g.Source = src
	}
	return g, true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// RoutingKeys computes the set of outbox routing keys this event must be
// staged under, per the fixed dispatch table: raw always, geo iff
// event_type is exactly "geo.ping", license/session/screen/ui/system by
// event_type prefix match.
func (e CanonicalEvent) RoutingKeys() []string {
	keys := []string{"raw"}
	switch {
	case e.EventType == "geo.ping":
		keys = append(keys, "geo")
	}
	for _, prefix := range []string{"license", "session", "screen", "ui", "system"} {
		if hasPrefix(e.EventType, prefix+".") || e.EventType == prefix {
			keys = append(keys, prefix)
		}
	}
	return keys
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// WireEnvelope builds the outbox/broker payload: the original document plus
// the normalized envelope fields, so downstream consumers that only know
// the legacy field names keep working.
func (e CanonicalEvent) WireEnvelope() (json.RawMessage, error) {
	doc := make(Document, len(e.Raw)+6)
	for k, v := range e.Raw {
		doc[k] = v
	}
	doc["event_id"] = e.EventID
	doc["trace_id"] = e.TraceID
	doc["producer"] = e.Producer
	doc["actor"] = e.Actor
	doc["occurred_at"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	doc["event_name"] = e.EventType
	doc["event_type"] = e.EventType
	doc["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(doc)
}

// HourBucket floors Timestamp to the UTC hour, the key used by every hourly
// presence and aggregate table.
func (e CanonicalEvent) HourBucket() time.Time {
	t := e.Timestamp.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
}
