//go:build !windows

package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/onnwee/offline-sync/internal/logger"
)

// Signals maps SIGUSR1 to Active and SIGUSR2 to Background for daemons that
// are paused and resumed by a supervisor.
type Signals struct {
	Manual
}

// NewSignals returns a provider; call Run to start listening.
func NewSignals() *Signals {
	return &Signals{Manual: Manual{current: Active}}
}

// Run blocks until ctx is done.
func (s *Signals) Run(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(ch)

	log := logger.WithComponent("lifecycle")
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			st := Active
			if sig == syscall.SIGUSR2 {
				st = Background
			}
			log.Info("lifecycle signal", "signal", sig.String(), "state", st)
			s.Set(st)
		}
	}
}
