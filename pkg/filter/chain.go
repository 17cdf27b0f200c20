package filter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// Chain runs filters in ascending priority order over a working copy of the
// input fix. Each step sees the output of the previous one. A step that fails
// (error or panic) is skipped and the fix keeps its pre-step state; with
// stop-on-invalid set, the chain short-circuits as soon as a step leaves the
// fix unusable for fusion.
type Chain struct {
	mu            sync.RWMutex
	filters       []Filter
	stopOnInvalid bool
	logger        *logx.Logger
}

// NewChain creates an empty chain. An empty chain is the identity: Process
// returns an untouched copy of its input.
func NewChain(logger *logx.Logger) *Chain {
	if logger == nil {
		logger = logx.NewLogger("info", "filter")
	}
	return &Chain{logger: logger}
}

// Add inserts the filter and re-sorts the chain by ascending priority.
// Insertion order breaks ties. A nil filter is ignored.
func (c *Chain) Add(f Filter) {
	if f == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append(c.filters, f)
	sort.SliceStable(c.filters, func(i, j int) bool {
		return c.filters[i].Priority() < c.filters[j].Priority()
	})
	c.logger.Debug("filter_added",
		"name", f.Name(),
		"priority", f.Priority(),
		"chain_size", len(c.filters))
}

// Remove drops the named filter and reports whether it was present.
func (c *Chain) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range c.filters {
		if f.Name() == name {
			c.filters = append(c.filters[:i], c.filters[i+1:]...)
			c.logger.Debug("filter_removed", "name", name, "chain_size", len(c.filters))
			return true
		}
	}
	return false
}

// ByName returns the named filter, or nil when absent.
func (c *Chain) ByName(name string) Filter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.filters {
		if f.Name() == name {
			return f
		}
	}
	return nil
}

// Len reports how many filters the chain holds, enabled or not.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filters)
}

// Names returns the filter names in execution order.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.filters))
	for i, f := range c.filters {
		names[i] = f.Name()
	}
	return names
}

// SetStopOnInvalid toggles short-circuiting on the first step that leaves the
// fix invalid.
func (c *Chain) SetStopOnInvalid(stop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopOnInvalid = stop
}

// StopOnInvalid reports whether short-circuiting is active.
func (c *Chain) StopOnInvalid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopOnInvalid
}

// Clear removes every filter.
func (c *Chain) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = nil
}

// EnableAll switches every filter on.
func (c *Chain) EnableAll() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.filters {
		f.SetEnabled(true)
	}
}

// DisableAll switches every filter off without removing them.
func (c *Chain) DisableAll() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.filters {
		f.SetEnabled(false)
	}
}

// Process runs the fix through every enabled filter and returns the final
// working copy. The input is never mutated. A nil input yields nil.
func (c *Chain) Process(fix *pkg.Fix) *pkg.Fix {
	if fix == nil {
		return nil
	}

	c.mu.RLock()
	filters := make([]Filter, len(c.filters))
	copy(filters, c.filters)
	stopOnInvalid := c.stopOnInvalid
	c.mu.RUnlock()

	current := fix.Clone()
	for _, f := range filters {
		if !f.Enabled() {
			continue
		}
		candidate := current.Clone()
		if err := applyFilter(f, candidate); err != nil {
			c.logger.Warn("filter_failed", "name", f.Name(), "error", err.Error())
			continue
		}
		current = candidate
		if stopOnInvalid && !current.IsValid() {
			c.logger.Debug("filter_chain_stopped",
				"name", f.Name(),
				"status", string(current.Status))
			break
		}
	}
	return current
}

// BatchProcess applies the chain to each fix independently, preserving order.
func (c *Chain) BatchProcess(fixes []*pkg.Fix) []*pkg.Fix {
	out := make([]*pkg.Fix, 0, len(fixes))
	for _, f := range fixes {
		out = append(out, c.Process(f))
	}
	return out
}

// applyFilter isolates a single step: a panicking filter is reported as an
// error so the chain can keep the pre-step state.
func applyFilter(f Filter, fix *pkg.Fix) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("filter %s panicked: %v", f.Name(), r)
		}
	}()
	return f.Apply(fix)
}
