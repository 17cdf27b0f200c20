package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
)

// RemoteConfig configures the gRPC gateway source.
type RemoteConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	TimeoutMs  int64  `json:"timeout_ms"`
	IntervalMs int64  `json:"interval_ms"`
	// RPC is the fully qualified method invoked on the gateway, resolved
	// through server reflection.
	RPC string `json:"rpc"`
	// Source is the type the gateway's fixes are attributed to.
	Source pkg.SourceType `json:"source"`
}

// DefaultRemoteConfig returns settings for a gateway on the local network.
func DefaultRemoteConfig() *RemoteConfig {
	return &RemoteConfig{
		Host:       "127.0.0.1",
		Port:       9200,
		TimeoutMs:  10000,
		IntervalMs: 1000,
		RPC:        "geofix.v1.Gateway/Handle",
		Source:     pkg.SourceOther,
	}
}

// RemoteSource polls a positioning gateway's gRPC endpoint. The gateway's
// protobuf surface is discovered through server reflection, so no generated
// stubs are compiled in; requests and responses travel as JSON.
type RemoteSource struct {
	*baseSource

	config *RemoteConfig

	successCount atomic.Uint64
	errorCount   atomic.Uint64
}

// NewRemoteSource creates a gateway poller. A nil config uses defaults.
func NewRemoteSource(config *RemoteConfig, logger *logx.Logger) *RemoteSource {
	if config == nil {
		config = DefaultRemoteConfig()
	}
	cfg := *config
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 10000
	}
	if cfg.RPC == "" {
		cfg.RPC = "geofix.v1.Gateway/Handle"
	}
	if cfg.Source == "" {
		cfg.Source = pkg.SourceOther
	}

	r := &RemoteSource{config: &cfg}
	r.baseSource = newBaseSource("remote-gateway", cfg.Source, logger, r.collect)
	if cfg.IntervalMs > 0 {
		r.SetInterval(time.Duration(cfg.IntervalMs) * time.Millisecond)
	}
	return r
}

var _ DataSource = (*RemoteSource)(nil)

// gatewayFixResponse is the JSON shape of the gateway's get_fix reply.
type gatewayFixResponse struct {
	GetFix struct {
		Position struct {
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
			Alt float64 `json:"alt"`
		} `json:"position"`
		AccuracyM  float64 `json:"accuracyM"`
		SpeedMps   float64 `json:"speedMps"`
		BearingDeg float64 `json:"bearingDeg"`
		Source     string  `json:"source"`
		Satellites int     `json:"satellites"`
	} `json:"getFix"`
}

func (r *RemoteSource) collect() *pkg.Fix {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout())
	defer cancel()

	fix, err := r.FetchFix(ctx)
	if err != nil {
		r.errorCount.Add(1)
		r.logger.Warn("gateway_poll_failed",
			"host", r.config.Host, "port", r.config.Port, "error", err.Error())
		return nil
	}
	if fix == nil {
		return nil
	}
	r.successCount.Add(1)
	return fix
}

// FetchFix invokes the gateway's get_fix call and parses the reply into a
// fix. An empty position means the gateway has no estimate yet; that is not
// an error, just no fix this cycle.
func (r *RemoteSource) FetchFix(ctx context.Context) (*pkg.Fix, error) {
	payload, err := r.call(ctx, "get_fix")
	if err != nil {
		return nil, err
	}
	return parseGatewayFix(payload, r.config.Source)
}

// call invokes one gateway method by name using dynamic protobuf reflection.
func (r *RemoteSource) call(ctx context.Context, method string) (string, error) {
	conn, err := grpc.DialContext(ctx, fmt.Sprintf("%s:%d", r.config.Host, r.config.Port),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithTimeout(r.timeout()))
	if err != nil {
		return "", fmt.Errorf("failed to connect to gateway: %w", err)
	}
	defer conn.Close()

	reflectionClient := grpcreflect.NewClient(ctx, grpc_reflection_v1alpha.NewServerReflectionClient(conn))
	descSource := grpcurl.DescriptorSourceFromServer(ctx, reflectionClient)

	requestJSON := fmt.Sprintf(`{"%s":{}}`, method)
	requestReader := grpcurl.NewJSONRequestParser(strings.NewReader(requestJSON), grpcurl.AnyResolverFromDescriptorSource(descSource))

	var responseBuffer strings.Builder
	formatter := grpcurl.NewJSONFormatter(false, grpcurl.AnyResolverFromDescriptorSource(descSource))
	handler := &grpcurl.DefaultEventHandler{
		Out:            &responseBuffer,
		Formatter:      formatter,
		VerbosityLevel: 0,
	}

	if err := grpcurl.InvokeRPC(ctx, descSource, conn, r.config.RPC, nil, handler, requestReader.Next); err != nil {
		return "", fmt.Errorf("gRPC call failed: %w", err)
	}

	return responseBuffer.String(), nil
}

// IsAvailable reports whether the gateway accepts a connection.
func (r *RemoteSource) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(ctx, fmt.Sprintf("%s:%d", r.config.Host, r.config.Port),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock())
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Counts returns how many polls succeeded and failed since creation.
func (r *RemoteSource) Counts() (successes, errors uint64) {
	return r.successCount.Load(), r.errorCount.Load()
}

func (r *RemoteSource) timeout() time.Duration {
	return time.Duration(r.config.TimeoutMs) * time.Millisecond
}

// parseGatewayFix converts a get_fix JSON payload into a fix attributed to
// the configured source type. The gateway's own upstream source tag is kept
// as an extra.
func parseGatewayFix(payload string, source pkg.SourceType) (*pkg.Fix, error) {
	var resp gatewayFixResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse get_fix response: %w", err)
	}

	pos := resp.GetFix.Position
	if pos.Lat == 0 && pos.Lon == 0 {
		return nil, nil
	}

	fix := pkg.NewFix(pos.Lat, pos.Lon, resp.GetFix.AccuracyM, source)
	fix.Altitude = pos.Alt
	fix.Speed = resp.GetFix.SpeedMps
	fix.Bearing = resp.GetFix.BearingDeg
	if resp.GetFix.Source != "" {
		fix.SetExtra("gateway_source", resp.GetFix.Source)
	}
	if resp.GetFix.Satellites > 0 {
		fix.SetExtra(ExtraSatellites, strconv.Itoa(resp.GetFix.Satellites))
	}
	return fix, nil
}
