package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CrashType tags the origin of a crash record.
type CrashType string

const (
	CrashUncaughtError         CrashType = "uncaught_error"
	CrashUnhandledRejection    CrashType = "unhandled_rejection"
	CrashMemoryWarning         CrashType = "memory_warning"
	CrashInitializationFailure CrashType = "initialization_failure"
)

// IsValid checks if the crash type is known.
func (t CrashType) IsValid() bool {
	switch t {
	case CrashUncaughtError, CrashUnhandledRejection, CrashMemoryWarning, CrashInitializationFailure:
		return true
	default:
		return false
	}
}

// CrashRecord is a persisted, immutable description of one caught failure.
type CrashRecord struct {
	ID          string    `json:"id" yaml:"id"`
	Type        CrashType `json:"type" yaml:"type"`
	Message     string    `json:"message" yaml:"message"`
	StackTrace  string    `json:"stack_trace,omitempty" yaml:"stack_trace,omitempty"`
	IsFatal     bool      `json:"is_fatal" yaml:"is_fatal"`
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
	SnapshotRef string    `json:"snapshot_ref,omitempty" yaml:"snapshot_ref,omitempty"`
}

// NewID returns a time-ordered unique identifier (UUIDv7). Lexical order of
// the returned strings follows creation order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewCrashRecord builds a record stamped with the given time.
func NewCrashRecord(kind CrashType, message string, fatal bool, now time.Time) CrashRecord {
	return CrashRecord{
		ID:        NewID(),
		Type:      kind,
		Message:   message,
		IsFatal:   fatal,
		Timestamp: now.UTC(),
	}
}

// Validate checks the fields a stored record must carry to be usable.
func (r CrashRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("crash record: missing id")
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("crash record %s: unknown type %q", r.ID, r.Type)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("crash record %s: missing timestamp", r.ID)
	}
	return nil
}

// Encode serializes the record into the store's string form.
func (r CrashRecord) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshaling crash record: %w", err)
	}
	return string(data), nil
}

// DecodeCrashRecord parses a stored value. Malformed or incomplete values
// return an error; callers treat them as absent.
func DecodeCrashRecord(value string) (CrashRecord, error) {
	var r CrashRecord
	if err := json.Unmarshal([]byte(value), &r); err != nil {
		return CrashRecord{}, fmt.Errorf("parsing crash record: %w", err)
	}
	if err := r.Validate(); err != nil {
		return CrashRecord{}, err
	}
	return r, nil
}
