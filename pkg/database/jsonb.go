package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB carries a raw jsonb column value. lib/pq encodes []byte parameters as bytea,
// so values are sent as text.
type JSONB json.RawMessage

func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("JSONB.Scan: expected []byte, got %T", src)
	}
	return nil
}

func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "null", nil
	}
	return string(j), nil
}

func (j JSONB) RawMessage() json.RawMessage {
	return json.RawMessage(j)
}
