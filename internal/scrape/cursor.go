package scrape

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Page size bounds for ListJobs.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ErrInvalidCursor is returned when a list cursor cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

// PageSize clamps the requested limit into [1, MaxPageSize].
func (f ListFilter) PageSize() int {
	switch {
	case f.Limit <= 0:
		return DefaultPageSize
	case f.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return f.Limit
	}
}

// Cursor is the position of the last job on a page. Jobs are listed newest
// first, ordered by StartedAt then ID, both descending.
type Cursor struct {
	StartedAt time.Time
	ID        string
}

// CursorFor returns the cursor positioned after job.
func CursorFor(job Job) Cursor {
	return Cursor{StartedAt: job.StartedAt, ID: job.ID}
}

// Encode renders an opaque token.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.StartedAt.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// After reports whether job sorts strictly after the cursor position.
func (c Cursor) After(job Job) bool {
	if job.StartedAt.Equal(c.StartedAt) {
		return job.ID < c.ID
	}
	return job.StartedAt.Before(c.StartedAt)
}

// DecodeCursor parses a token produced by Cursor.Encode.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return Cursor{}, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	return Cursor{StartedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Newer orders jobs newest first for listing and lookback.
func Newer(a, b Job) bool {
	if a.StartedAt.Equal(b.StartedAt) {
		return a.ID > b.ID
	}
	return a.StartedAt.After(b.StartedAt)
}
