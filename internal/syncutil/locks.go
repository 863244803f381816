//go:build !deadlock

// Package syncutil holds the lock types used across kmnet. Building with
// -tags=deadlock replaces them with lock-order checking versions.
package syncutil

import "sync"

// Checked reports whether locks are instrumented for deadlock detection.
const Checked = false

type (
	Mutex   = sync.Mutex
	RWMutex = sync.RWMutex
)
