package diagnostics

import (
	"time"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
)

// Summary is computed over a set of crash records.
type Summary struct {
	Total int `json:"total" yaml:"total"`
	Fatal int `json:"fatal" yaml:"fatal"`

	// MostFrequentType and MostFrequentMessage are empty for an empty set.
	// Ties go to the value encountered first in input order.
	MostFrequentType         core.CrashType `json:"most_frequent_type,omitempty" yaml:"most_frequent_type,omitempty"`
	MostFrequentTypeCount    int            `json:"most_frequent_type_count" yaml:"most_frequent_type_count"`
	MostFrequentMessage      string         `json:"most_frequent_message,omitempty" yaml:"most_frequent_message,omitempty"`
	MostFrequentMessageCount int            `json:"most_frequent_message_count" yaml:"most_frequent_message_count"`

	MemoryRelated int `json:"memory_related" yaml:"memory_related"`
	JSErrors      int `json:"js_errors" yaml:"js_errors"`
	NativeErrors  int `json:"native_errors" yaml:"native_errors"`

	ByType map[core.CrashType]int `json:"by_type" yaml:"by_type"`

	FirstSeen *time.Time `json:"first_seen,omitempty" yaml:"first_seen,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty" yaml:"last_seen,omitempty"`
}

// Bucket names the summary bucket a crash type counts toward.
type Bucket string

const (
	BucketMemory Bucket = "memory_related"
	BucketJS     Bucket = "js_errors"
	BucketNative Bucket = "native_errors"
)

// BucketOf maps a crash type to its bucket. Application-level runtime
// failures are js errors; bootstrap and platform failures are native.
func BucketOf(t core.CrashType) Bucket {
	switch t {
	case core.CrashMemoryWarning:
		return BucketMemory
	case core.CrashUncaughtError, core.CrashUnhandledRejection:
		return BucketJS
	default:
		return BucketNative
	}
}

// Analyze summarizes records. It is pure and accepts any order.
func Analyze(records []core.CrashRecord) Summary {
	s := Summary{
		Total:  len(records),
		ByType: make(map[core.CrashType]int),
	}

	var types []core.CrashType
	var messages []string
	messageCounts := make(map[string]int)

	for i := range records {
		r := &records[i]

		if _, seen := s.ByType[r.Type]; !seen {
			types = append(types, r.Type)
		}
		s.ByType[r.Type]++

		if _, seen := messageCounts[r.Message]; !seen {
			messages = append(messages, r.Message)
		}
		messageCounts[r.Message]++

		if r.IsFatal {
			s.Fatal++
		}

		switch BucketOf(r.Type) {
		case BucketMemory:
			s.MemoryRelated++
		case BucketJS:
			s.JSErrors++
		case BucketNative:
			s.NativeErrors++
		}

		ts := r.Timestamp
		if s.FirstSeen == nil || ts.Before(*s.FirstSeen) {
			s.FirstSeen = &ts
		}
		if s.LastSeen == nil || ts.After(*s.LastSeen) {
			s.LastSeen = &ts
		}
	}

	// Strict comparison over first-seen order keeps the earliest maximum.
	for _, t := range types {
		if n := s.ByType[t]; n > s.MostFrequentTypeCount {
			s.MostFrequentType = t
			s.MostFrequentTypeCount = n
		}
	}
	for _, m := range messages {
		if n := messageCounts[m]; n > s.MostFrequentMessageCount {
			s.MostFrequentMessage = m
			s.MostFrequentMessageCount = n
		}
	}
	return s
}
