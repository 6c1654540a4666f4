package audit

import (
	"fmt"
	"time"
)

// MinRetentionDays is the floor on how long audit events must be kept
// before they are eligible for purging from the journal.
const MinRetentionDays = 90

// CheckRetentionPolicy rejects a requested retention window shorter than
// the compliance floor.
func CheckRetentionPolicy(requestedDays int) error {
	if requestedDays < MinRetentionDays {
		return fmt.Errorf("audit: retention must be at least %d days (requested: %d)", MinRetentionDays, requestedDays)
	}
	return nil
}

// SafePurgeBefore returns the cutoff timestamp: records at or after this
// time must never be purged.
func SafePurgeBefore() time.Time {
	return time.Now().AddDate(0, 0, -MinRetentionDays)
}

// CanPurge reports whether recordTime is old enough to be purged under
// the retention floor.
func CanPurge(recordTime time.Time) bool {
	return recordTime.Before(SafePurgeBefore())
}
