// Package connection implements the Connection component: the
// stream-owning, tag-generating, command-serializing half of the core
// (spec §4.2).
package connection

// Guard is an explicit, scoped hold on a Connection's recursive
// command lock.
//
// The source ties one unlock to the lifetime of a "response" object,
// mixing resource lifetime with lock scope. Here a Response owns
// exactly one Guard, and a caller that wants to chain further commands
// under the same critical section (an auto-SELECT followed by the
// user's command, for instance) acquires an additional Guard
// explicitly via AcquireNested rather than relying on any hidden
// reentrance.
type Guard struct {
	c        *Connection
	released bool
}

// Acquire takes the outermost hold on c's command lock, blocking until
// no other Guard (from any caller) is outstanding.
func (c *Connection) Acquire() *Guard {
	c.mu.Lock()
	c.depth++
	return &Guard{c: c}
}

// AcquireNested takes an additional level of the lock already proven
// held by parent. It panics if parent does not belong to c, since that
// indicates a caller bug (an attempt to nest across connections).
func (c *Connection) AcquireNested(parent *Guard) *Guard {
	if parent == nil || parent.c != c || parent.released {
		panic("connection: AcquireNested requires a live guard already held on this connection")
	}
	c.depth++
	return &Guard{c: c}
}

// Release gives up one level of the lock. Calling Release more than
// once on the same Guard is a no-op.
func (g *Guard) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	g.c.depth--
	if g.c.depth == 0 {
		g.c.mu.Unlock()
	}
}
