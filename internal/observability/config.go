package observability

import (
	"strings"
	"time"

	"github.com/smallbiznis/entitlements/internal/config"
)

const defaultServiceName = "entitlements"

// Config is the resolved view of telemetry settings shared by the logger,
// tracer, meter and gin middlewares.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64

	SlowQueryThreshold time.Duration
	production         bool
}

// LoadConfig resolves telemetry settings. Export is off without an
// endpoint.
func LoadConfig(cfg config.Config) Config {
	t := cfg.Telemetry

	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)

	protocol := t.OTLPProtocol
	if protocol != "http" {
		protocol = "grpc"
	}

	ratio := t.SamplingRatio
	switch {
	case ratio < 0:
		ratio = 0
	case ratio > 1:
		ratio = 1
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          cfg.Environment,
		Version:              cfg.AppVersion,
		LogLevel:             t.LogLevel,
		LogFormat:            t.LogFormat,
		OtelEnabled:          t.OtelEnabled && endpoint != "",
		OtelExporterEndpoint: endpoint,
		OtelExporterProtocol: protocol,
		OtelSamplingRatio:    ratio,
		SlowQueryThreshold:   t.SlowQueryThreshold,
		production:           cfg.IsProduction(),
	}
}

// Debug turns on request-level logging: explicit debug level or a local
// environment.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	if c.production {
		return false
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}
