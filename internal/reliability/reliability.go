// Package reliability tracks recent tool run outcomes and derives a success rate
// used to gate tools whose upstream processors keep failing.
package reliability

import (
	"context"
	"fmt"

	"github.com/vnmchuo/tool-gateway/internal/toolkey"
)

// Params configure the gate. A tool is gated once at least MinRuns outcomes exist
// and the success rate over the last Window outcomes falls below Threshold.
type Params struct {
	Threshold float64 `json:"threshold"`
	Window    int     `json:"window"`
	MinRuns   int     `json:"minRuns"`
}

// DefaultParams mirror the production defaults.
var DefaultParams = Params{Threshold: 0.95, Window: 50, MinRuns: 20}

// Valid reports whether p can drive the gate.
func (p Params) Valid() bool {
	return p.Threshold >= 0 && p.Threshold <= 1 && p.Window > 0 && p.MinRuns >= 0
}

// Store persists bounded outcome histories keyed by tool.
type Store interface {
	// Append adds an outcome and trims the history to the newest window entries.
	// It must not lose outcomes under concurrent calls for the same key.
	Append(ctx context.Context, key toolkey.Key, succeeded bool, window int) error
	// Recent returns up to n newest outcomes, oldest first.
	Recent(ctx context.Context, key toolkey.Key, n int) ([]bool, error)
}

type Gate struct {
	store Store
}

func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// Record appends the outcome of a completed tool run.
func (g *Gate) Record(ctx context.Context, key toolkey.Key, succeeded bool, p Params) error {
	if !p.Valid() {
		p = DefaultParams
	}
	if err := g.store.Append(ctx, key, succeeded, p.Window); err != nil {
		return fmt.Errorf("record run for %s: %w", key, err)
	}
	return nil
}

// SuccessRate returns successes/count over the last Window outcomes. ok is false
// when fewer than MinRuns outcomes exist, which callers treat as reliable.
func (g *Gate) SuccessRate(ctx context.Context, key toolkey.Key, p Params) (rate float64, ok bool, err error) {
	if !p.Valid() {
		p = DefaultParams
	}
	outcomes, err := g.store.Recent(ctx, key, p.Window)
	if err != nil {
		return 0, false, fmt.Errorf("load history for %s: %w", key, err)
	}
	if len(outcomes) == 0 || len(outcomes) < p.MinRuns {
		return 0, false, nil
	}
	successes := 0
	for _, o := range outcomes {
		if o {
			successes++
		}
	}
	return float64(successes) / float64(len(outcomes)), true, nil
}

func tail(outcomes []bool, n int) []bool {
	if n > 0 && len(outcomes) > n {
		return outcomes[len(outcomes)-n:]
	}
	return outcomes
}
