package jobs

import (
	"fmt"
	"time"
)

// ResolveTimeout turns an optional minutes value from a request into a job
// timeout, applying the default and rejecting values outside 1..max.
func ResolveTimeout(minutes *int, def, max time.Duration) (time.Duration, error) {
	if minutes == nil {
		return def, nil
	}
	// Compare in minutes so huge values cannot overflow into a negative duration.
	limit := int64(max / time.Minute)
	if m := int64(*minutes); m < 1 || m > limit {
		return 0, &ValidationError{
			Field:   "timeoutMinutes",
			Message: fmt.Sprintf("must be between 1 and %d", limit),
		}
	}
	return time.Duration(*minutes) * time.Minute, nil
}
