package record

import (
	"errors"
	"fmt"
)

// ErrEmptyBatch is returned by Validate for a batch without objects.
var ErrEmptyBatch = errors.New("batch has no objects")

// ErrUnknownKind is returned by Validate for a record with an unsupported type.
var ErrUnknownKind = errors.New("unknown record type")

// Batch is the JSON body of one delivery request.
type Batch struct {
	BranchName          *string  `json:"branchName"`
	TrackingPlanVersion *string  `json:"trackingPlanVersion"`
	Objects             []Record `json:"objects"`
}

// NewBatch wraps records with the optional branch and version tags.
// Empty tags are encoded as null.
func NewBatch(branch, version string, records []Record) Batch {
	b := Batch{Objects: records}
	if branch != "" {
		b.BranchName = stringPtr(branch)
	}
	if version != "" {
		b.TrackingPlanVersion = stringPtr(version)
	}
	return b
}

// Validate checks the structural rules the collector enforces on a batch.
func (b Batch) Validate() error {
	if len(b.Objects) == 0 {
		return ErrEmptyBatch
	}
	for i, r := range b.Objects {
		switch r.Kind {
		case KindIdentify, KindGroup, KindTrack:
		default:
			return fmt.Errorf("object %d: %w: %q", i, ErrUnknownKind, r.Kind)
		}
	}
	return nil
}

// Deref returns the value of an optional wire string, or "" for null.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
