package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
)

// Func is the work of a node. A returned error fails the node and skips
// everything depending on it.
type Func func(ctx context.Context) error

// Status is the outcome of a node after Apply.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

var (
	ErrSkipped = fmt.Errorf("skipped")
	ErrPanic   = fmt.Errorf("node panicked")
)

const DefaultParallelism = 10

type Options struct {
	// Parallelism bounds the number of nodes running at once. Defaults to
	// DefaultParallelism.
	Parallelism int
}

// Result is the outcome of one node.
type Result struct {
	Name     string
	Status   Status
	Err      error
	Started  time.Time
	Duration time.Duration
}

// Report holds the outcome of every node of an Apply, in dependency order.
type Report struct {
	Results []Result
}

// Get returns the result of node 'name'.
func (r *Report) Get(name string) (Result, bool) {
	for _, res := range r.Results {
		if res.Name == name {
			return res, true
		}
	}
	return Result{}, false
}

// Count returns the number of nodes with status 's'.
func (r *Report) Count(s Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

// Err joins the errors of every failed node. Skipped nodes are left out, the
// failure that caused the skip is already included.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			errs = append(errs, fmt.Errorf("%s: %w", res.Name, res.Err))
		}
	}
	return errors.Join(errs...)
}

type completion struct {
	name     string
	err      error
	started  time.Time
	duration time.Duration
}

// Apply runs every node, each one only after all of its dependencies
// succeeded, with at most Options.Parallelism running at once.
//
// A failed node does not stop independent branches: only the nodes that
// (transitively) depend on it are skipped. Once 'ctx' is done no new nodes
// start. The returned error is Report.Err, or the validation error if the
// graph is invalid, in which case nothing runs.
func (g *Graph) Apply(ctx context.Context, opts Options) (*Report, error) {
	order, err := g.Order()
	if err != nil {
		return nil, err
	}
	log := clog.FromContext(ctx)
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	var (
		results    = make(map[string]*Result, len(order))
		dependents = g.dependents()
		waiting    = make(map[string]int, len(order))
		// Every node completes exactly once, so this never blocks a worker.
		done = make(chan completion, len(order))
	)
	for _, name := range order {
		results[name] = &Result{Name: name, Status: StatusPending}
		waiting[name] = len(g.nodes[name].DependsOn)
	}

	var eg errgroup.Group
	eg.SetLimit(parallelism)

	// start launches 'name', blocking while all workers are busy.
	start := func(name string) {
		node := g.nodes[name]
		eg.Go(func() error {
			started := time.Now()
			err := runNode(clog.WithValues(ctx, "node", name), node.Run)
			done <- completion{name: name, err: err, started: started, duration: time.Since(started)}
			return nil
		})
	}

	var ready []string
	for _, name := range order {
		if waiting[name] == 0 {
			ready = append(ready, name)
		}
	}

	// 'skip' marks 'name' and its transitive dependents skipped, counting
	// each as finished.
	finished := 0
	var skip func(name string, cause error)
	skip = func(name string, cause error) {
		r := results[name]
		if r.Status != StatusPending {
			return
		}
		r.Status = StatusSkipped
		r.Err = cause
		finished++
		log.WarnContext(ctx, "skipping node", "node", name, "reason", cause)
		for _, d := range dependents[name] {
			skip(d, fmt.Errorf("%w: dependency %q did not succeed", ErrSkipped, name))
		}
	}

	running := 0
	for finished < len(order) {
		for _, name := range ready {
			if ctx.Err() != nil {
				skip(name, fmt.Errorf("%w: %w", ErrSkipped, ctx.Err()))
				continue
			}
			log.DebugContext(ctx, "starting node", "node", name)
			running++
			start(name)
		}
		ready = ready[:0]
		if running == 0 {
			// Everything left was skipped.
			break
		}

		c := <-done
		running--
		finished++
		r := results[c.name]
		r.Started, r.Duration = c.started, c.duration
		if c.err != nil {
			r.Status, r.Err = StatusFailed, c.err
			log.ErrorContext(ctx, "node failed", "node", c.name, "error", c.err)
			for _, d := range dependents[c.name] {
				skip(d, fmt.Errorf("%w: dependency %q failed", ErrSkipped, c.name))
			}
			continue
		}
		r.Status = StatusSucceeded
		log.InfoContext(ctx, "node succeeded", "node", c.name, "duration", r.Duration)
		for _, d := range dependents[c.name] {
			waiting[d]--
			if waiting[d] == 0 && results[d].Status == StatusPending {
				ready = append(ready, d)
			}
		}
	}
	_ = eg.Wait()

	report := &Report{Results: make([]Result, 0, len(order))}
	for _, name := range order {
		report.Results = append(report.Results, *results[name])
	}
	return report, report.Err()
}

// runNode calls 'fn', turning a panic into an error.
func runNode(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn(ctx)
}
