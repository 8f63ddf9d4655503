// Package global holds the process-wide default Rewriter session: a
// convenience entry point that is lazily initialized on first use and not
// freed until process exit. Modeled as a small leaf package owning one
// piece of global state behind an explicit accessor, the same shape as
// internal/platform's CpuFeatures singleton.
package global

import (
	"sync"

	dbrew "github.com/dbrew-go/dbrew"
)

var (
	once    sync.Once
	session *dbrew.Session
)

// Default returns the process-wide default Session, constructing it lazily
// on first use.
func Default() *dbrew.Session {
	once.Do(func() {
		session = dbrew.NewSession()
	})
	return session
}

// ResetDefaultForTest discards the default Session so the next call to
// Default constructs a fresh one. It exists for test isolation only: tests
// that exercise the default session shouldn't observe configuration left
// behind by an earlier test.
func ResetDefaultForTest() {
	once = sync.Once{}
	session = nil
}
