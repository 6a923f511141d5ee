package imaptest

import (
	"net"
	"testing"

	"spilled.ink/imapcore/connection"
)

// Dial opens a net.Pipe, starts a FakeServer on one end playing
// script (after emitting greeting, typically "* OK test server
// ready"), and returns a *connection.Connection wrapping the other
// end, with the greeting already consumed via ReadGreeting. Callers
// that need to assert on leftover script state should keep the
// returned *FakeServer and call Wait after the exercised operation
// completes.
func Dial(t testing.TB, greeting string, script []Exchange) (*connection.Connection, *FakeServer) {
	client, server := net.Pipe()
	fs := NewFakeServer(t, server, greeting)
	fs.Serve(script)
	conn := connection.New(client, connection.NewConfig(), nil, nil)
	if err := conn.ReadGreeting(); err != nil {
		t.Fatalf("imaptest.Dial: ReadGreeting: %v", err)
	}
	return conn, fs
}
