package hub

import "io"

// The bridging subprocess is owned by exactly one device actor. The
// hub only sees it as a duplex byte channel plus an exit signal; the
// bridge package provides the real implementations (spawned process,
// dialed socket). Keeping these as interfaces keeps this package
// buildable and testable without spawning anything.

type Bridge interface {
	io.ReadWriteCloser

	// Done yields the exit status once the underlying channel is gone.
	Done() <-chan error
}

// Spawner gives a device actor byte-level access to a serial line on
// some host.
type Spawner interface {
	Spawn(host, devpath string) (Bridge, error)
}
