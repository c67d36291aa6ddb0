// Package record defines the normalized tracking record queued by the SDK
// and the batch payload exchanged between the SDK and the collector.
package record

import (
	"time"
)

// Record kinds.
const (
	KindIdentify = "identify"
	KindGroup    = "group"
	KindTrack    = "track"
)

// DateLayout is the ISO-8601 layout used for dateSent (UTC, milliseconds).
const DateLayout = "2006-01-02T15:04:05.000Z"

// Source is what a tracking call was made with: an *Event or bare Properties.
type Source interface {
	isSource()
}

// Event is a tracking-plan event with schema identity.
type Event struct {
	ID         string
	Version    string
	Name       string
	Properties Properties
}

func (*Event) isSource() {}

// Properties is a bare property map, used by calls that carry no event.
type Properties map[string]any

func (Properties) isSource() {}

// Validation is the outcome of validating the source against its schema.
type Validation struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

// ValidationDetails is the nested validation object on the wire.
type ValidationDetails struct {
	Details string `json:"details"`
}

// Record is one tracking call as it will be delivered. Records are built by
// New and never modified afterwards.
type Record struct {
	Kind               string            `json:"type"`
	DateSent           string            `json:"dateSent"`
	EventID            *string           `json:"eventId"`
	EventSchemaVersion *string           `json:"eventSchemaVersion"`
	EventName          *string           `json:"eventName"`
	Properties         map[string]any    `json:"properties"`
	Valid              bool              `json:"valid"`
	Validation         ValidationDetails `json:"validation"`
}

// New builds a Record for kind from source at time now.
//
// Event fields are used when source is an *Event; otherwise the event-derived
// fields stay nil. A nil source yields a record with empty properties. When
// omitValues is set every property value is replaced by "" and keys are kept.
// A nil validation means the record is valid with no details.
func New(kind string, source Source, validation *Validation, omitValues bool, now time.Time) Record {
	r := Record{
		Kind:     kind,
		DateSent: now.UTC().Format(DateLayout),
		Valid:    true,
	}

	var props Properties
	switch s := source.(type) {
	case *Event:
		if s != nil {
			r.EventID = stringPtr(s.ID)
			r.EventSchemaVersion = stringPtr(s.Version)
			r.EventName = stringPtr(s.Name)
			props = s.Properties
		}
	case Properties:
		props = s
	}
	r.Properties = copyProperties(props, omitValues)

	if validation != nil {
		r.Valid = validation.Valid
		r.Validation.Details = validation.Message
	}

	return r
}

func copyProperties(props Properties, omitValues bool) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if omitValues {
			out[k] = ""
			continue
		}
		out[k] = copyValue(v)
	}
	return out
}

// copyValue copies the map and slice shapes JSON-style property values take,
// so a queued record shares no mutable state with the caller.
func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = copyValue(e)
		}
		return out
	case Properties:
		return copyProperties(t, false)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, e := range t {
			out[i], _ = copyValue(e).(map[string]any)
		}
		return out
	default:
		return v
	}
}

func stringPtr(s string) *string {
	return &s
}
