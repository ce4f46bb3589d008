package companion

import (
	"encoding/json"
	"fmt"
	"time"
)

// record is the durable shape of the engine state. Transient overlay fields
// (display message and category) are deliberately absent.
type record struct {
	Attributes
	HygieneEvents  int     `json:"hygiene_events"`
	Emotion        Emotion `json:"emotion"`
	ExpiresAtMs    int64   `json:"expires_at_ms"` // 0 = sticky
	Asleep         bool    `json:"asleep"`
	LastActivityMs int64   `json:"last_activity_ms"`
	LastDecayMs    int64   `json:"last_decay_ms"`
	SavedAtMs      int64   `json:"saved_at_ms"`
}

func toMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func encodeRecord(r record) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(data []byte) (record, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return record{}, fmt.Errorf("decode state record: %w", err)
	}
	return r, nil
}
