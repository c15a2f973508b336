// Package health aggregates readiness of the corpus, the vector index and
// the external dependencies behind the search endpoint.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates an auxiliary dependency is failing; search may still work.
	Degraded Status = "degraded"
	// Unhealthy indicates the corpus or index is unusable.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// Report aggregates health check results.
type Report struct {
	Status Status
	Checks map[string]CheckResult
	Cases  int
}

// Deps are the components probed by Check. Nil entries are skipped.
type Deps struct {
	Corpus    Sized
	Index     Sized
	Database  Pinger
	Cache     Pinger
	Embedding EmbeddingChecker
}

// Service coordinates health checks.
type Service struct {
	deps    Deps
	timeout time.Duration
}

// New creates a Service. timeout bounds each external probe; zero means 5s.
func New(deps Deps, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{deps: deps, timeout: timeout}
}

// Check runs health checks against all components.
func (s *Service) Check(ctx context.Context) Report {
	var (
		mu     sync.Mutex
		checks = make(map[string]CheckResult)
	)
	set := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			checks[name] = CheckError
			return
		}
		checks[name] = CheckOK
	}

	cases := 0
	critical := false
	if s.deps.Corpus != nil {
		cases = s.deps.Corpus.Len()
		set("corpus", nil)
	}
	if s.deps.Index != nil {
		err := s.indexAligned()
		set("index", err)
		critical = err != nil
	}

	var g errgroup.Group
	probe := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			set(name, fn(pctx))
			return nil
		})
	}
	if s.deps.Database != nil {
		probe("database", s.deps.Database.Ping)
	}
	if s.deps.Cache != nil {
		probe("cache", s.deps.Cache.Ping)
	}
	if s.deps.Embedding != nil {
		probe("embedding", s.deps.Embedding.HealthCheck)
	}
	_ = g.Wait()

	status := Healthy
	for _, v := range checks {
		if v == CheckError {
			status = Degraded
			break
		}
	}
	if critical {
		status = Unhealthy
	}

	return Report{Status: status, Checks: checks, Cases: cases}
}

func (s *Service) indexAligned() error {
	if s.deps.Corpus == nil {
		return nil
	}
	if got, want := s.deps.Index.Len(), s.deps.Corpus.Len(); got != want {
		return fmt.Errorf("index holds %d rows, corpus has %d", got, want)
	}
	return nil
}
