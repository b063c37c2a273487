package store

import (
	"encoding/json"
	"fmt"

	"tools.zach/dev/presenced/internal/presence"
)

// EncodeRecord validates rec and returns its JSON form, the encoding every
// backend persists.
func EncodeRecord(rec presence.Record) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.SubjectID, err)
	}
	return data, nil
}

// DecodeRecord parses and validates a persisted record.
func DecodeRecord(data []byte) (presence.Record, error) {
	var rec presence.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return presence.Record{}, fmt.Errorf("decode record: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return presence.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
