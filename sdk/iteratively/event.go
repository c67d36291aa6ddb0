// Package iteratively is a buffering delivery client for tracking-plan
// events. Calls are queued in memory and POSTed in batches by a background
// flush, with bounded retries for failed batches.
package iteratively

import (
	"github.com/SebastienMelki/itly/internal/record"
)

// SDKVersion is reported in the User-Agent header.
const SDKVersion = "0.1.0"

// Record kinds accepted by Track.
const (
	KindIdentify = record.KindIdentify
	KindGroup    = record.KindGroup
	KindTrack    = record.KindTrack
)

// Source is either an *Event or Properties.
type Source = record.Source

// Event is a tracking-plan event with schema id, version and name.
type Event = record.Event

// Properties is a bare property map.
type Properties = record.Properties

// Validation is the result of validating a call against its schema.
type Validation = record.Validation

// Record is a queued tracking call as it appears on the wire.
type Record = record.Record
