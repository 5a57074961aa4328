// Package cursor encodes record positions in the (updated_at, id) order as opaque tokens.
package cursor

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const separator = "||"

// ErrInvalidCursor is returned when a token cannot be decoded.
var ErrInvalidCursor = errors.New("invalid_cursor_value")

// Cursor is a position in the canonical (updated_at ASC, id ASC) order.
type Cursor struct {
	Sort time.Time
	ID   string
}

// New returns a cursor for the given position.
func New(sort time.Time, id string) Cursor {
	return Cursor{Sort: sort.UTC(), ID: id}
}

// String encodes the cursor. It is the same as Encode(c.Sort, c.ID).
func (c Cursor) String() string {
	return Encode(c.Sort, c.ID)
}

// Encode returns the token for (sort, id).
func Encode(sort time.Time, id string) string {
	raw := sort.UTC().Format(time.RFC3339Nano) + separator + id
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// Decode parses a token produced by Encode. The id must be a UUID.
func Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, ErrInvalidCursor
	}

	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}

	sort, id, found := strings.Cut(string(raw), separator)
	if !found || id == "" || sort == "" {
		return Cursor{}, ErrInvalidCursor
	}

	ts, err := time.Parse(time.RFC3339Nano, sort)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	// record ids are uuids, anything else would fail the comparison in Postgres
	if _, err := uuid.Parse(id); err != nil {
		return Cursor{}, ErrInvalidCursor
	}

	return Cursor{Sort: ts.UTC(), ID: id}, nil
}
