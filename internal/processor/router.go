package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/tool-gateway/internal/toolkey"
)

var ErrNoProcessor = errors.New("no processor for this tool")

// Router maps tools to the processor serving them. Each processor sits behind
// its own circuit breaker.
type Router struct {
	byTool   map[toolkey.Key]Processor
	breakers map[string]*gobreaker.CircuitBreaker
}

type RouterOption func(*gobreaker.Settings)

// WithStateChange reports breaker transitions, e.g. to metrics.
func WithStateChange(fn func(processor, state string)) RouterOption {
	return func(s *gobreaker.Settings) {
		s.OnStateChange = func(name string, from, to gobreaker.State) {
			fn(name, to.String())
		}
	}
}

func NewRouter(processors []Processor, opts ...RouterOption) *Router {
	byTool := make(map[toolkey.Key]Processor)
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, p := range processors {
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		for _, opt := range opts {
			opt(&settings)
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
		for _, tool := range p.SupportedTools() {
			// first registration wins
			if _, ok := byTool[tool]; !ok {
				byTool[tool] = p
			}
		}
	}
	return &Router{
		byTool:   byTool,
		breakers: breakers,
	}
}

func (r *Router) Route(tool toolkey.Key) (Processor, error) {
	p, ok := r.byTool[tool]
	if !ok {
		return nil, ErrNoProcessor
	}
	return p, nil
}

// Execute runs the job through the processor's breaker. An open breaker is a
// dispatch failure like any other.
func (r *Router) Execute(ctx context.Context, job *Job, p Processor) (*Result, error) {
	cb := r.breakers[p.Name()]
	if cb == nil {
		return p.Process(ctx, job)
	}
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Process(ctx, job)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("circuit breaker is open for processor %s: %w", p.Name(), err)
		}
		return nil, err
	}
	return result.(*Result), nil
}

func (r *Router) State(name string) gobreaker.State {
	if cb, ok := r.breakers[name]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}
