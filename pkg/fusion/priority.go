package fusion

import (
	"sort"
	"strconv"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// PriorityConfig configures the priority-based strategy.
type PriorityConfig struct {
	MinRequiredSources int                    `json:"min_required_sources"`
	SourcePriorities   map[pkg.SourceType]int `json:"source_priorities,omitempty"`
}

// DefaultPriorityConfig returns the stock source ranking: satellite first,
// then terrestrial radio, then dead reckoning.
func DefaultPriorityConfig() *PriorityConfig {
	return &PriorityConfig{
		MinRequiredSources: DefaultMinRequiredSources,
		SourcePriorities: map[pkg.SourceType]int{
			pkg.SourceGNSS:        100,
			pkg.SourceWiFi:        80,
			pkg.SourceBaseStation: 60,
			pkg.SourceInertial:    20,
			pkg.SourceOther:       10,
		},
	}
}

// PriorityStrategy picks the single best fix by source rank, breaking ties by
// lower (better) accuracy. Sources without a configured rank sort last.
type PriorityStrategy struct {
	baseStrategy
	logger     *logx.Logger
	priorities map[pkg.SourceType]int
}

// NewPriorityStrategy creates a priority-based strategy. A nil config uses
// defaults.
func NewPriorityStrategy(config *PriorityConfig, logger *logx.Logger) *PriorityStrategy {
	if config == nil {
		config = DefaultPriorityConfig()
	}
	priorities := config.SourcePriorities
	if len(priorities) == 0 {
		priorities = DefaultPriorityConfig().SourcePriorities
	}
	s := &PriorityStrategy{
		baseStrategy: newBaseStrategy("priority_based", config.MinRequiredSources),
		logger:       logger,
	}
	s.priorities = make(map[pkg.SourceType]int, len(priorities))
	for k, v := range priorities {
		s.priorities[k] = v
	}
	return s
}

// SetSourcePriority assigns a rank to one source kind.
func (s *PriorityStrategy) SetSourcePriority(source pkg.SourceType, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priorities[source] = priority
}

// SourcePriority returns the rank for a source kind, zero when unranked.
func (s *PriorityStrategy) SourcePriority(source pkg.SourceType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.priorities[source]
}

// Fuse returns the top-ranked fix verbatim, tagged with the chosen source and
// its priority.
func (s *PriorityStrategy) Fuse(fixes []*pkg.Fix) (*Result, error) {
	valid := s.prepare(fixes, s.logger)
	if valid == nil {
		return nil, nil
	}

	s.mu.RLock()
	priorities := make(map[pkg.SourceType]int, len(s.priorities))
	for k, v := range s.priorities {
		priorities[k] = v
	}
	s.mu.RUnlock()

	fused, details := priorityFuse(valid, priorities)

	if s.logger != nil {
		s.logger.Debug("priority_fusion_selected",
			"source", details["selected_source"],
			"priority", details["selected_priority"],
			"candidates", len(valid))
	}

	return s.finish(fused, len(valid), consistency(valid, DefaultMaxFootprintRadiusM), details), nil
}

// priorityFuse is the strategy core, shared with the adaptive dispatcher.
// The returned fix is a clone of the winner.
func priorityFuse(fixes []*pkg.Fix, priorities map[pkg.SourceType]int) (*pkg.Fix, map[string]string) {
	sorted := make([]*pkg.Fix, len(fixes))
	copy(sorted, fixes)

	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := priorities[sorted[i].Source], priorities[sorted[j].Source]
		if pi != pj {
			return pi > pj
		}
		return sorted[i].Accuracy < sorted[j].Accuracy
	})

	top := sorted[0]
	details := map[string]string{
		"selected_source":   string(top.Source),
		"selected_priority": strconv.Itoa(priorities[top.Source]),
	}
	return top.Clone(), details
}
