package connection

import "sync/atomic"

// Config is immutable process-wide state shared by every Connection a
// program creates, replacing the source's global verbose-debug flag
// and global tag-prefix counter (spec §9 DESIGN NOTES): one value,
// established once at startup and passed by reference into each
// Connection constructor.
type Config struct {
	// Verbose is not read by New: a Connection traces the wire exactly
	// when a non-nil trace writer is passed to New, whatever Verbose
	// holds.
	Verbose bool

	// Logf receives diagnostics: unknown format directives, trace
	// write failures, protocol leniency notes. Nil disables logging.
	Logf func(format string, v ...interface{})

	nextPrefix uint32
}

// NewConfig returns a zero-value Config suitable for a single program;
// share one instance across every Connection it creates.
func NewConfig() *Config {
	return &Config{}
}

// allocatePrefix hands out the next tag prefix letter, A-Z, wrapping
// around so long-running programs with many short-lived connections
// don't run out, at the cost of eventual reuse (spec §4.2: "one ASCII
// letter in A-Z, incremented per newly opened Connection, wrapping at
// Z").
func (cfg *Config) allocatePrefix() byte {
	n := atomic.AddUint32(&cfg.nextPrefix, 1) - 1
	return byte('A' + (n % 26))
}
