package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// Checker represents a dependency health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// Result is the outcome of one checker. Failure details stay in the error
// returned by Ready and are never serialized.
type Result struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Latency string `json:"latency"`
}

const (
	StatusUp   = "up"
	StatusDown = "down"
)

// ReadinessUseCase describes readiness verification.
type ReadinessUseCase interface {
	// Ready runs every checker concurrently. The error joins all failures.
	Ready(ctx context.Context) ([]Result, error)
}

type service struct {
	checkers []Checker
}

// NewService aggregates dependency checkers.
func NewService(checkers ...Checker) ReadinessUseCase {
	return &service{checkers: checkers}
}

func (s *service) Ready(ctx context.Context) ([]Result, error) {
	results := make([]Result, len(s.checkers))
	errs := make([]error, len(s.checkers))

	p := pool.New().WithMaxGoroutines(4)
	for i, ch := range s.checkers {
		p.Go(func() {
			start := time.Now()
			err := ch.Check(ctx)
			r := Result{Name: ch.Name(), Status: StatusUp, Latency: time.Since(start).Round(time.Microsecond).String()}
			if err != nil {
				r.Status = StatusDown
				errs[i] = fmt.Errorf("%s: %w", ch.Name(), err)
			}
			results[i] = r
		})
	}
	p.Wait()
	return results, errors.Join(errs...)
}
