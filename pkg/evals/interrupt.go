package evals

import (
	"os"
	"os/signal"

	"github.com/rs/zerolog/log"
)

// watchInterrupt registers a handler that calls fn on the first delivery of
// any of the given signals and then unregisters itself, so a second delivery
// gets the behavior that existed before installation (for SIGINT, process
// termination). The returned stop function releases the registration; callers
// must invoke it when the run ends, whatever the outcome.
func watchInterrupt(fn func(), signals ...os.Signal) (stop func()) {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt}
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			signal.Stop(ch)
			log.Warn().Str("signal", sig.String()).Msg("interrupt received, cancelling run (interrupt again to terminate)")
			fn()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
