// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package driver runs fusion passes over a graph.
//
// For each pass, the Driver enumerates the Mappings of the pass pattern, in yield order, one at a
// time: a Mapping is validated, its replacement planned (materializing any constants) and applied
// before the next Mapping is considered. A Mapping that doesn't qualify (NotChanged) is skipped; an
// error with any other status aborts the pass, but not the other passes.
package driver

import (
	"fmt"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusion/pkg/fusion"
	"github.com/gomlx/fusion/pkg/fusion/matcher"
	"github.com/gomlx/fusion/pkg/fusion/pattern"
	"github.com/gomlx/fusion/pkg/fusion/rewrite"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pass is one fusion pass.
type Pass interface {
	// Name of the pass, as registered.
	Name() string

	// Pattern to match. It must be the same value for all calls.
	Pattern() *pattern.Pattern

	// Validate checks the preconditions of the fusion on the Mapping, see package validate.
	Validate(g *ir.Graph, m *matcher.Mapping) error

	// Build plans the replacement of a validated Mapping. It must not modify the graph.
	Build(g *ir.Graph, m *matcher.Mapping) (*rewrite.Plan, error)
}

// Options configure the Driver.
type Options struct {
	// Env is passed to the pass factories.
	Env Env

	// MaxRewritesPerPass stops a pass after this number of rewrites. 0 means no limit.
	MaxRewritesPerPass int

	// Fixpoint re-runs each pass until it rewrites nothing, at most MaxIterations times.
	Fixpoint      bool
	MaxIterations int

	// ValidateGraph checks the graph structure (e.g.: acyclicity) after each pass that changed it.
	ValidateGraph bool
}

// DefaultMaxIterations is used when Options.Fixpoint is set and Options.MaxIterations is not.
const DefaultMaxIterations = 10

// Result of running one pass.
type Result struct {
	Pass string

	// Matches is the number of Mappings enumerated.
	Matches int

	// Stale Mappings were invalidated by an earlier rewrite of the same pass.
	Stale int

	// Skipped Mappings didn't qualify (NotChanged).
	Skipped int

	// Rewrites is the number of Mappings rewritten.
	Rewrites int

	// Replaced is the number of nodes removed by the rewrites, Added the number of nodes created.
	Replaced, Added int

	// Iterations of the pass (more than one only with Options.Fixpoint).
	Iterations int

	Status  fusion.Status
	Err     error
	Elapsed time.Duration
}

// String implements fmt.Stringer.
func (r Result) String() string {
	s := fmt.Sprintf("%s: %s, %d matches, %d rewrites (%d nodes replaced by %d), %d skipped, %d stale, %s",
		r.Pass, r.Status, r.Matches, r.Rewrites, r.Replaced, r.Added, r.Skipped, r.Stale, r.Elapsed)
	if r.Err != nil {
		s += ": " + r.Err.Error()
	}
	return s
}

// Driver runs passes from a Registry.
type Driver struct {
	registry *Registry
	options  Options
}

// New creates a Driver.
func New(registry *Registry, options Options) *Driver {
	if options.Fixpoint && options.MaxIterations <= 0 {
		options.MaxIterations = DefaultMaxIterations
	}
	return &Driver{registry: registry, options: options}
}

// Registry used by the driver.
func (d *Driver) Registry() *Registry { return d.registry }

// Run runs the named passes (all BuiltIn passes if none given) sequentially on g. Each pass gets a
// fresh enumeration of its pattern. A failing pass doesn't stop the following ones: the returned
// error lists the failed passes, and the Result of each holds its error.
func (d *Driver) Run(g *ir.Graph, names ...string) ([]Result, error) {
	if g == nil {
		return nil, fusion.ParamInvalidf("Driver.Run(): nil graph")
	}
	if len(names) == 0 {
		names = d.registry.Names(BuiltIn)
	}
	results := make([]Result, 0, len(names))
	var failed []string
	for _, name := range names {
		pass, err := d.registry.New(name, d.options.Env)
		if err != nil {
			err = fusion.WithStatus(fusion.ParamInvalid, err)
			results = append(results, Result{Pass: name, Status: fusion.ParamInvalid, Err: err})
			failed = append(failed, name)
			klog.Warningf("fusion pass %q: %v", name, err)
			continue
		}
		res, err := d.RunPass(g, pass)
		results = append(results, res)
		if err != nil {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		return results, errors.Errorf("graph %q: %d of %d passes failed: %q", g.Name(), len(failed), len(names), failed)
	}
	return results, nil
}

// RunPass runs one pass on g. On failure it returns the error, also recorded in the Result.
func (d *Driver) RunPass(g *ir.Graph, pass Pass) (Result, error) {
	start := time.Now()
	res := Result{Pass: pass.Name()}
	err := d.runPass(g, pass, &res)
	res.Elapsed = time.Since(start)
	res.Status = fusion.StatusOf(err)
	res.Err = err
	if err != nil {
		klog.Warningf("fusion pass %q failed on graph %q after %d rewrites: %+v", res.Pass, g.Name(), res.Rewrites, err)
	} else {
		klog.V(1).Infof("fusion pass %s", res)
	}
	return res, err
}

func (d *Driver) runPass(g *ir.Graph, pass Pass, res *Result) error {
	if g == nil {
		return fusion.ParamInvalidf("pass %q: nil graph", res.Pass)
	}
	p := pass.Pattern()
	if p == nil {
		return fusion.ParamInvalidf("pass %q: nil pattern", res.Pass)
	}
	maxIterations := 1
	if d.options.Fixpoint {
		maxIterations = d.options.MaxIterations
	}
	for range maxIterations {
		res.Iterations++
		rewrites := res.Rewrites
		if err := d.iterate(g, pass, p, res); err != nil {
			return err
		}
		changed := res.Rewrites > rewrites
		if changed && d.options.ValidateGraph {
			if err := g.Validate(); err != nil {
				return fusion.WithStatus(fusion.Failed, errors.WithMessagef(err, "pass %q left an invalid graph", res.Pass))
			}
		}
		if !changed || d.limitReached(res) {
			break
		}
	}
	return nil
}

func (d *Driver) limitReached(res *Result) bool {
	return d.options.MaxRewritesPerPass > 0 && res.Rewrites >= d.options.MaxRewritesPerPass
}

// iterate does one full enumeration of the pattern.
func (d *Driver) iterate(g *ir.Graph, pass Pass, p *pattern.Pattern, res *Result) error {
	for m := range matcher.Match(g, p) {
		res.Matches++
		if err := matcher.Verify(g, p, m); err != nil {
			res.Stale++
			klog.V(2).Infof("pass %q: skipping stale mapping: %v", res.Pass, err)
			continue
		}

		err := guard(func() error { return pass.Validate(g, m) })
		switch fusion.StatusOf(err) {
		case fusion.Success:
		case fusion.NotChanged:
			res.Skipped++
			klog.V(2).Infof("pass %q: anchor %s not changed: %v", res.Pass, m.Anchor(), err)
			continue
		default:
			return errors.WithMessagef(err, "pass %q validating anchor %s", res.Pass, m.Anchor())
		}

		var plan *rewrite.Plan
		err = guard(func() error {
			var buildErr error
			plan, buildErr = pass.Build(g, m)
			return buildErr
		})
		switch fusion.StatusOf(err) {
		case fusion.Success:
		case fusion.NotChanged:
			res.Skipped++
			klog.V(2).Infof("pass %q: anchor %s not changed while building: %v", res.Pass, m.Anchor(), err)
			continue
		default:
			return errors.WithMessagef(err, "pass %q building the replacement of anchor %s", res.Pass, m.Anchor())
		}

		anchor := m.Anchor().String()
		applied, err := rewrite.Apply(g, m, plan)
		switch fusion.StatusOf(err) {
		case fusion.Success:
		case fusion.NotChanged:
			res.Skipped++
			klog.V(2).Infof("pass %q: anchor %s not rewritten: %v", res.Pass, anchor, err)
			continue
		default:
			return errors.WithMessagef(err, "pass %q rewriting anchor %s", res.Pass, anchor)
		}
		res.Rewrites++
		res.Replaced += len(applied.Removed)
		res.Added += len(applied.Added)
		klog.V(2).Infof("pass %q: rewrote anchor %s: %d nodes replaced by %d", res.Pass, anchor, len(applied.Removed), len(applied.Added))
		if d.limitReached(res) {
			break
		}
	}
	return nil
}

// guard runs fn, converting a panic into a Failed error.
func guard(fn func() error) (err error) {
	exception := exceptions.Try(func() { err = fn() })
	if exception == nil {
		return err
	}
	if e, ok := exception.(error); ok {
		return fusion.WithStatus(fusion.Failed, errors.Wrap(e, "panic"))
	}
	return fusion.Failedf("panic: %v", exception)
}
