//go:build deadlock

package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

const Checked = true

// LockTimeout is how long a lock may be waited on before the detector
// reports a potential deadlock.
const LockTimeout = 5 * time.Second

func init() {
	deadlock.Opts.DeadlockTimeout = LockTimeout
}

type (
	Mutex   = deadlock.Mutex
	RWMutex = deadlock.RWMutex
)
