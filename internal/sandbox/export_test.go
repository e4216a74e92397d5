package sandbox

import "time"

// SetRenewBackoff shortens the renew retry delay for the duration of a test.
func SetRenewBackoff(d time.Duration) (restore func()) {
	old := renewBackoff
	renewBackoff = d
	return func() { renewBackoff = old }
}
