// Package timeutil works with the unix timestamps JWT claims and flow
// states are expressed in.
package timeutil

import "time"

func TimestampNow() int {
	return int(time.Now().Unix())
}

// Until returns the duration from now to the timestamp, zero when the
// timestamp is in the past.
func Until(timestamp int) time.Duration {
	d := time.Until(time.Unix(int64(timestamp), 0))
	if d < 0 {
		return 0
	}
	return d
}
