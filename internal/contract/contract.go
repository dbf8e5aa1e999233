// Package contract implements the event contract enforcer (spec.md §4.3):
// the boundary between a CandidateEvent produced by detection logic and the
// SealedEvent payload that is actually signed and chained. It enforces the
// required/optional/forbidden field sets, the event-type allowlist, zone-ID
// syntax, and bucket-time canonicalization before a payload is ever handed
// to the signer.
package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lattice-substrate/json-canon/jcs"
	"github.com/lattice-substrate/json-canon/jcstoken"

	"pwk/internal/detector"
	"pwk/internal/frame"
)

var zoneIDPattern = regexp.MustCompile(`^zone:[a-z0-9_-]{1,64}$`)

var (
	// ErrUnknownEventType is returned when a candidate event's type is not
	// in the active ModuleDescriptor allowlist.
	ErrUnknownEventType = errors.New("contract: unknown event type")
	// ErrForbiddenField is returned when a candidate event carries a field
	// outside the event type's allowed optional/required set.
	ErrForbiddenField = errors.New("contract: forbidden field")
	// ErrMissingRequiredField is returned when a required field is absent.
	ErrMissingRequiredField = errors.New("contract: missing required field")
	// ErrInvalidZoneID is returned when a zone ID fails the zone:[a-z0-9_-]{1,64} pattern.
	ErrInvalidZoneID = errors.New("contract: invalid zone id")
	// ErrSchemaValidation wraps a JSON Schema validation failure.
	ErrSchemaValidation = errors.New("contract: schema validation failed")
)

// forbiddenFieldNames is the unconditional denylist from spec.md §4.3: no
// ModuleDescriptor, however misconfigured, can ever get one of these into
// a signed, chained event. This check runs independently of (and before)
// the descriptor's required/optional allowlist.
var forbiddenFieldNames = map[string]struct{}{
	"license_plate":  {},
	"face_embedding": {},
	"person_id":      {},
	"age":            {},
	"gender":         {},
}

// forbiddenFieldPrefixes catches the demographic_* family, which spec.md
// §4.3 names as a wildcard rather than an enumerated list.
var forbiddenFieldPrefixes = []string{"demographic_"}

func isForbiddenFieldName(name string) bool {
	if _, ok := forbiddenFieldNames[name]; ok {
		return true
	}
	for _, prefix := range forbiddenFieldPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// BucketMinutes is the closed set of supported canonicalization widths for
// event timestamps (spec.md §3: never finer than 5 or 10 minutes).
type BucketMinutes int

const (
	Bucket5Min  BucketMinutes = 5
	Bucket10Min BucketMinutes = 10
)

// ModuleDescriptor declares what a detection module is permitted to emit:
// its allowed event type and the field sets for that type. The contract
// enforcer refuses any candidate event whose type is not declared by some
// registered descriptor.
type ModuleDescriptor struct {
	EventType      string
	RequiredFields map[string]struct{}
	OptionalFields map[string]struct{}
}

// CandidateEvent is the pre-contract representation a detection module
// produces (spec.md §3). Fields is a flat map of field name to
// JSON-serializable value; the enforcer never inspects values for meaning
// beyond the reserved zone/time_bucket/kernel_version/ruleset_id fields,
// keeping it detector-agnostic. There is no timestamp field: time_bucket
// is added by the enforcer from CaptureTime, never from wall-clock time.
type CandidateEvent struct {
	EventType     string
	Zone          string
	CaptureTime   time.Time
	KernelVersion string
	RulesetID     string
	Fields        map[string]any
}

// Enforcer validates candidate events against a set of registered module
// descriptors and reduces them into signable payload bytes.
type Enforcer struct {
	descriptors map[string]ModuleDescriptor
	bucketWidth BucketMinutes
}

// NewEnforcer constructs an Enforcer with no registered descriptors.
func NewEnforcer(bucketWidth BucketMinutes) *Enforcer {
	return &Enforcer{
		descriptors: make(map[string]ModuleDescriptor),
		bucketWidth: bucketWidth,
	}
}

// RegisterModule adds a descriptor to the event-type allowlist. Registering
// a duplicate event type replaces the prior descriptor.
func (e *Enforcer) RegisterModule(d ModuleDescriptor) {
	e.descriptors[d.EventType] = d
}

// TimeBucket canonicalizes t to the start of its UTC-aligned bucket at the
// enforcer's configured width. The result is derived only from the source's
// coarse CaptureBucket upstream of this call — never wall-clock — per
// spec.md §3.
func (e *Enforcer) TimeBucket(t time.Time) time.Time {
	width := time.Duration(e.bucketWidth) * time.Minute
	u := t.UTC()
	floored := u.Truncate(width)
	return floored
}

// ValidateZoneID checks a zone identifier against the closed syntax
// zone:[a-z0-9_-]{1,64}.
func ValidateZoneID(zone string) error {
	if !zoneIDPattern.MatchString(zone) {
		return fmt.Errorf("%w: %q", ErrInvalidZoneID, zone)
	}
	return nil
}

// Reduce validates a CandidateEvent against its module's descriptor and
// produces the ordered payload map that will become the SealedEvent's
// signable body. It never includes a field the descriptor did not declare.
func (e *Enforcer) Reduce(ev CandidateEvent) (map[string]any, error) {
	desc, ok := e.descriptors[ev.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.EventType)
	}

	if err := ValidateZoneID(ev.Zone); err != nil {
		return nil, err
	}

	for name := range desc.RequiredFields {
		if _, present := ev.Fields[name]; !present {
			return nil, fmt.Errorf("%w: %q for event type %q", ErrMissingRequiredField, name, ev.EventType)
		}
	}

	payload := make(map[string]any, len(ev.Fields)+5)
	payload["event_type"] = ev.EventType
	payload["zone_id"] = ev.Zone
	payload["time_bucket"] = e.TimeBucket(ev.CaptureTime).Format(time.RFC3339)
	payload["kernel_version"] = ev.KernelVersion
	payload["ruleset_id"] = ev.RulesetID

	for name, value := range ev.Fields {
		if isForbiddenFieldName(name) {
			return nil, fmt.Errorf("%w: %q is on the unconditional denylist", ErrForbiddenField, name)
		}
		_, required := desc.RequiredFields[name]
		_, optional := desc.OptionalFields[name]
		if !required && !optional {
			return nil, fmt.Errorf("%w: %q not permitted for event type %q", ErrForbiddenField, name, ev.EventType)
		}
		payload[name] = value
	}

	return payload, nil
}

// CanonicalPayload renders a reduced payload map as RFC 8785 JSON
// Canonicalization Scheme bytes, the exact byte sequence the signer signs
// and a verifier must reproduce to check a signature.
func CanonicalPayload(payload map[string]any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("contract: marshal payload: %w", err)
	}

	v, err := jcstoken.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("contract: tokenize payload: %w", err)
	}

	canonical, err := jcs.Serialize(v)
	if err != nil {
		return nil, fmt.Errorf("contract: canonicalize payload: %w", err)
	}
	return canonical, nil
}

// DetectionToFields flattens a single detector.Detection into the field map
// shape Reduce expects, used by modules that emit one candidate event per
// detection.
func DetectionToFields(d detector.Detection) map[string]any {
	return map[string]any{
		"object_class": d.Class.String(),
		"size_class":   d.Size.String(),
		"confidence":   d.Confidence,
	}
}

// CaptureBucketToTime converts a source's coarse capture bucket into a
// time.Time suitable for TimeBucket, without ever introducing wall-clock
// precision the source did not already commit to.
func CaptureBucketToTime(b frame.CaptureBucket) time.Time {
	return time.Unix(int64(b), 0).UTC()
}
