package models

import "time"

// NowTs returns the current unix time in fractional seconds, the timestamp
// format used in every persisted document and wire payload.
func NowTs() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
