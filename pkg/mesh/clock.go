package mesh

import "github.com/benbjohnson/clock"

// Clock abstracts wall-clock time and timers so periodic tasks (stale
// sweeps, stuck-link monitor, gossip cleanup, DHT TTL sweep) can be
// driven deterministically in tests, per spec §9's "explicit runtime
// handle" design note. Production code uses clock.New(); tests use
// clock.NewMock() (github.com/benbjohnson/clock).
type Clock = clock.Clock

// NewClock returns the real wall-clock implementation.
func NewClock() Clock { return clock.New() }

// Timer aliases the clock package's timer handle so callers holding
// one of ConnectionManager's AfterFunc timers don't need to import
// benbjohnson/clock directly.
type Timer = clock.Timer
