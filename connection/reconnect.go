package connection

import "time"

// Backoff tracks repeated reconnection failures to one server address
// and decides how long the Store should wait before trying again,
// adapted from the teacher's login-throttle idiom (util/throttle) to
// the opposite direction: instead of slowing down a client hammering
// our server, it slows down us hammering a server that keeps refusing
// us.
type Backoff struct {
	last     time.Time
	failures int
}

const (
	backoffUnit   = 3 * time.Second
	backoffWindow = 60 * time.Second
	backoffMax    = 5 * time.Minute
)

// Failure records a failed (re)connection attempt and returns how long
// the caller should wait before trying again.
func (b *Backoff) Failure() time.Duration {
	now := timeNow()
	if now.Sub(b.last) > backoffWindow {
		b.failures = 0
	}
	b.last = now
	b.failures++
	d := backoffUnit * time.Duration(1<<uint(min(b.failures-1, 6)))
	if d > backoffMax {
		d = backoffMax
	}
	return d
}

// Success resets the failure count after a successful reconnect.
func (b *Backoff) Success() {
	b.failures = 0
}

var timeNow = time.Now
