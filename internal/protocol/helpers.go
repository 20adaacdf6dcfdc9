package protocol

import (
	"hash/fnv"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Timestamp is a string representation of time in RFC3339 format,
// with helper methods for conversion to/from time.Time.
type Timestamp string

// Time parses the timestamp string into time.Time.
// Returns zero time if the string is empty or invalid.
func (t Timestamp) Time() time.Time {
	if t == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, string(t))
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// IsZero returns true if the timestamp is empty or represents zero time.
func (t Timestamp) IsZero() bool {
	return t == "" || t.Time().IsZero()
}

func (t Timestamp) String() string {
	return string(t)
}

// NewTimestamp creates a Timestamp from time.Time.
func NewTimestamp(t time.Time) Timestamp {
	if t.IsZero() {
		return ""
	}
	return Timestamp(t.Format(time.RFC3339))
}

// TimestampNow returns the current time as a Timestamp.
func TimestampNow() Timestamp {
	return NewTimestamp(time.Now())
}

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}

// Deref returns the value pointed to, or the zero value if nil.
func Deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

// ScriptID derives the stable id of a workspace file from its path relative
// to the workspace root.
func ScriptID(relPath string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(filepath.ToSlash(relPath))))
	id := h.Sum32()
	if id == 0 {
		id = 1
	}
	return id
}

// FormatScriptRef formats a script id as a run target ("<123>").
func FormatScriptRef(id uint32) string {
	return "<" + strconv.FormatUint(uint64(id), 10) + ">"
}

// ParseScriptRef parses a "<123>" target. ok is false for any other form.
func ParseScriptRef(target string) (uint32, bool) {
	if len(target) < 3 || target[0] != '<' || target[len(target)-1] != '>' {
		return 0, false
	}
	n, err := strconv.ParseUint(target[1:len(target)-1], 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint32(n), true
}

// DescribeResult returns a label for a run result code.
func DescribeResult(r int) string {
	switch {
	case r > 0:
		return "started pid " + strconv.Itoa(r)
	case r == ResultInProcess:
		return "ran in host"
	case r == ResultFailed:
		return "failed"
	case r == ResultNotFound:
		return "not found"
	case r == ResultDeferred:
		return "deferred"
	case r == ResultNoHost:
		return "no host"
	case r == ResultCannotWait:
		return "cannot wait"
	case r == ResultCannotGetResult:
		return "cannot get result"
	case r == ResultCannotWaitGetResult:
		return "cannot wait and get result"
	default:
		return "unknown result " + strconv.Itoa(r)
	}
}
