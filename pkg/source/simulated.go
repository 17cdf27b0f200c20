package source

import (
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// Simulated providers jitter around a fixed base point in Beijing so demo
// runs produce a stable, recognizable neighbourhood of fixes.
const (
	simBaseLatitude  = 39.9042
	simBaseLongitude = 116.4074
)

// Per-provider jitter envelopes, in degrees. The looser the positioning
// technology, the wider the spread.
const (
	gnssJitterDeg = 0.005
	wifiJitterDeg = 0.01
	cellJitterDeg = 0.025
)

// Extras keys stamped by the simulated providers.
const (
	ExtraSatellites = "satellites"
	ExtraSignal     = "signal"
	ExtraBSSID      = "BSSID"
	ExtraSSID       = "SSID"
	ExtraRSSI       = "RSSI"
	ExtraMCC        = "MCC"
	ExtraMNC        = "MNC"
	ExtraLAC        = "LAC"
	ExtraCID        = "CID"
)

// Default quality thresholds. Each provider demotes fixes that fall below
// its threshold to low_accuracy instead of dropping them.
const (
	DefaultMinSatellites = 4
	DefaultMaxErrorM     = 100.0
	DefaultMinWiFiRSSI   = -85
	DefaultMinCellRSSI   = -100
)

// simRSSISpread is the width of the simulated signal strength band above
// each provider's default floor.
const (
	wifiRSSISpread = 50
	cellRSSISpread = 40
)

// SimulatedGNSS emits jittered positions with satellite count and signal
// strength metadata, standing in for a receiver in demos and tests.
// Fixes with too few satellites or an accuracy above the error threshold
// are demoted to low_accuracy.
type SimulatedGNSS struct {
	*baseSource

	simMu           sync.Mutex
	rng             *rand.Rand
	minSatellites   int
	maxErrorM       float64
	satelliteFilter bool
}

// NewSimulatedGNSS creates a GNSS provider with the default thresholds.
func NewSimulatedGNSS(logger *logx.Logger) *SimulatedGNSS {
	s := &SimulatedGNSS{
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		minSatellites:   DefaultMinSatellites,
		maxErrorM:       DefaultMaxErrorM,
		satelliteFilter: true,
	}
	s.baseSource = newBaseSource("simulated-gnss", pkg.SourceGNSS, logger, s.collect)
	return s
}

// SetMinSatellites changes the satellite floor below which fixes are demoted.
func (s *SimulatedGNSS) SetMinSatellites(count int) {
	s.simMu.Lock()
	defer s.simMu.Unlock()
	if count < 0 {
		count = 0
	}
	s.minSatellites = count
}

// SetMaxError changes the accuracy ceiling above which fixes are demoted.
func (s *SimulatedGNSS) SetMaxError(threshold float64) {
	s.simMu.Lock()
	defer s.simMu.Unlock()
	if threshold < 0 {
		threshold = 0
	}
	s.maxErrorM = threshold
}

// SetSatelliteFiltering toggles the satellite-count demotion.
func (s *SimulatedGNSS) SetSatelliteFiltering(enabled bool) {
	s.simMu.Lock()
	defer s.simMu.Unlock()
	s.satelliteFilter = enabled
}

func (s *SimulatedGNSS) collect() *pkg.Fix {
	s.simMu.Lock()
	defer s.simMu.Unlock()

	fix := pkg.NewFix(
		simBaseLatitude+jitter(s.rng, gnssJitterDeg),
		simBaseLongitude+jitter(s.rng, gnssJitterDeg),
		5.0+s.rng.Float64()*10.0,
		pkg.SourceGNSS,
	)

	satellites := 4 + s.rng.Intn(12)
	signal := 20 + s.rng.Intn(80)
	fix.SetExtra(ExtraSatellites, strconv.Itoa(satellites))
	fix.SetExtra(ExtraSignal, strconv.Itoa(signal))

	if s.satelliteFilter && satellites < s.minSatellites {
		fix.Status = pkg.StatusLowAccuracy
	}
	if fix.Accuracy > s.maxErrorM {
		fix.Status = pkg.StatusLowAccuracy
	}
	return fix
}

// SimulatedWiFi emits jittered positions with BSSID/SSID/RSSI metadata.
// Fixes whose RSSI falls below the threshold are demoted to low_accuracy.
type SimulatedWiFi struct {
	*baseSource

	simMu   sync.Mutex
	rng     *rand.Rand
	minRSSI int
}

// NewSimulatedWiFi creates a WiFi provider with the default RSSI threshold.
func NewSimulatedWiFi(logger *logx.Logger) *SimulatedWiFi {
	s := &SimulatedWiFi{
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		minRSSI: DefaultMinWiFiRSSI,
	}
	s.baseSource = newBaseSource("simulated-wifi", pkg.SourceWiFi, logger, s.collect)
	return s
}

// SetMinRSSI changes the signal floor below which fixes are demoted.
func (s *SimulatedWiFi) SetMinRSSI(threshold int) {
	s.simMu.Lock()
	defer s.simMu.Unlock()
	s.minRSSI = threshold
}

func (s *SimulatedWiFi) collect() *pkg.Fix {
	s.simMu.Lock()
	defer s.simMu.Unlock()

	fix := pkg.NewFix(
		simBaseLatitude+jitter(s.rng, wifiJitterDeg),
		simBaseLongitude+jitter(s.rng, wifiJitterDeg),
		10.0+s.rng.Float64()*100.0,
		pkg.SourceWiFi,
	)

	rssi := DefaultMinWiFiRSSI + s.rng.Intn(wifiRSSISpread)
	fix.SetExtra(ExtraBSSID, randomBSSID(s.rng))
	fix.SetExtra(ExtraSSID, "WiFi-"+strconv.Itoa(s.rng.Intn(1000)))
	fix.SetExtra(ExtraRSSI, strconv.Itoa(rssi))

	if rssi < s.minRSSI {
		fix.Status = pkg.StatusLowAccuracy
	}
	return fix
}

// SimulatedCell emits jittered positions with MCC/MNC/LAC/CID/RSSI metadata.
// Fixes whose RSSI falls below the threshold are demoted to low_accuracy.
type SimulatedCell struct {
	*baseSource

	simMu   sync.Mutex
	rng     *rand.Rand
	minRSSI int
}

// NewSimulatedCell creates a base station provider with the default signal
// threshold.
func NewSimulatedCell(logger *logx.Logger) *SimulatedCell {
	s := &SimulatedCell{
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		minRSSI: DefaultMinCellRSSI,
	}
	s.baseSource = newBaseSource("simulated-cell", pkg.SourceBaseStation, logger, s.collect)
	return s
}

// SetMinRSSI changes the signal floor below which fixes are demoted.
func (s *SimulatedCell) SetMinRSSI(threshold int) {
	s.simMu.Lock()
	defer s.simMu.Unlock()
	s.minRSSI = threshold
}

func (s *SimulatedCell) collect() *pkg.Fix {
	s.simMu.Lock()
	defer s.simMu.Unlock()

	fix := pkg.NewFix(
		simBaseLatitude+jitter(s.rng, cellJitterDeg),
		simBaseLongitude+jitter(s.rng, cellJitterDeg),
		50.0+s.rng.Float64()*500.0,
		pkg.SourceBaseStation,
	)

	rssi := DefaultMinCellRSSI + s.rng.Intn(cellRSSISpread)
	fix.SetExtra(ExtraMCC, "460")
	fix.SetExtra(ExtraMNC, strconv.Itoa(s.rng.Intn(3)))
	fix.SetExtra(ExtraLAC, strconv.Itoa(10000+s.rng.Intn(20000)))
	fix.SetExtra(ExtraCID, strconv.Itoa(10000000+s.rng.Intn(50000000)))
	fix.SetExtra(ExtraRSSI, strconv.Itoa(rssi))

	if rssi < s.minRSSI {
		fix.Status = pkg.StatusLowAccuracy
	}
	return fix
}

var (
	_ DataSource = (*SimulatedGNSS)(nil)
	_ DataSource = (*SimulatedWiFi)(nil)
	_ DataSource = (*SimulatedCell)(nil)
)

// jitter returns a uniform offset in [-spread, spread] degrees.
func jitter(rng *rand.Rand, spread float64) float64 {
	return (rng.Float64()*2 - 1) * spread
}

// randomBSSID builds a MAC-formatted identifier for simulated scans.
func randomBSSID(rng *rand.Rand) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 0, 17)
	for i := 0; i < 6; i++ {
		if i > 0 {
			buf = append(buf, ':')
		}
		buf = append(buf, hexDigits[rng.Intn(16)], hexDigits[rng.Intn(16)])
	}
	return string(buf)
}
