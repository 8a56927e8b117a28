package escrow

import (
	"context"
	"log"
	"time"
)

// Sweeper is the periodic reconciliation loop for timeout-based release.
// Escrowed funds must eventually reach the seller without further user
// action; each tick releases everything past its auto-release date.
type Sweeper struct {
	machine  *Machine
	interval time.Duration
}

func NewSweeper(machine *Machine, interval time.Duration) *Sweeper {
	return &Sweeper{machine: machine, interval: interval}
}

func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			released, errs := s.machine.SweepDue(ctx)
			if released > 0 {
				log.Printf("escrow sweep: released %d payment(s)", released)
			}
			for _, err := range errs {
				log.Printf("escrow sweep: %v", err)
			}
		}
	}
}
