package service

import (
	"time"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// Kind selects a service implementation.
type Kind string

const (
	KindBasic           Kind = "basic"
	KindHighPerformance Kind = "high_performance"
)

// Service is the surface shared by both implementations, used by the daemon
// and the control API.
type Service interface {
	Start() error
	Stop()
	IsRunning() bool
	SubmitFix(fix *pkg.Fix)
	CurrentLocation() *pkg.CorrectedLocation
	History(start, end time.Time) ([]*pkg.CorrectedLocation, error)
	RegisterListener(l pkg.LocationListener)
	UnregisterListener(l pkg.LocationListener)
	UpdateConfig(config *pkg.CorrectionConfig)
	SetStorage(store ResultStore)
	SetSources(pool SourcePool)
	Stats() Stats
	Reset()
}

var (
	_ Service = (*LocationService)(nil)
	_ Service = (*HighPerformanceService)(nil)
)

// New builds a service of the given kind. An unknown kind is logged and
// falls back to the basic service.
func New(kind Kind, config *Config, corr Corrector, logger *logx.Logger) Service {
	switch kind {
	case KindHighPerformance:
		return NewHighPerformanceService(config, corr, logger)
	case KindBasic, "":
		return NewLocationService(config, corr, logger)
	default:
		if logger != nil {
			logger.Warn("unknown_service_kind", "kind", string(kind))
		}
		return NewLocationService(config, corr, logger)
	}
}

// ParseKind normalizes a config string to a Kind, defaulting to basic.
func ParseKind(s string) Kind {
	switch Kind(s) {
	case KindBasic, KindHighPerformance:
		return Kind(s)
	default:
		return KindBasic
	}
}
