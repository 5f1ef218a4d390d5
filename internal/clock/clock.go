// Package clock abstracts time so reliability components can be driven by a
// deterministic source in tests.
package clock

import "time"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}
