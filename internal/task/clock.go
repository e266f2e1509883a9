package task

import "time"

// NowMS returns the current wall-clock time in milliseconds since the
// Unix epoch, the unit every persisted timestamp uses.
func NowMS() int64 {
	return time.Now().UnixMilli()
}
