package bench

import (
	"runtime"

	"github.com/rjboer/sdrbench/internal/logging"
)

// pinThread locks the calling goroutine to its OS thread and raises the
// thread's scheduling priority. The returned func must run when the loop
// ends. A thread whose priority was raised stays locked, so the runtime
// retires it with the goroutine instead of reusing it.
func pinThread(log logging.Logger, loop string, realtime bool) func() {
	if !realtime {
		return func() {}
	}
	runtime.LockOSThread()
	if err := raiseThreadPriority(); err != nil {
		log.Warn("unable to raise thread priority", logging.F("loop", loop), logging.F("err", err))
		return runtime.UnlockOSThread
	}
	log.Debug("thread priority raised", logging.F("loop", loop))
	return func() {}
}
