// Package startup runs preflight diagnostics for cef-ingest: configuration,
// dictionaries, listener ports, security posture and backend reachability.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"cef-viewer/internal/config"
	"cef-viewer/internal/ingest/cef"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// dialTimeout bounds each backend reachability probe.
const dialTimeout = 3 * time.Second

// Diagnostics runs all startup diagnostics
type Diagnostics struct {
	cfg     *config.Config
	results []DiagnosticResult
	logger  *slog.Logger

	// SkipPorts leaves listener addresses unprobed, for running the checks
	// while the service already holds them.
	SkipPorts bool
	// SkipBackends leaves ClickHouse, Redis and Kafka unprobed.
	SkipBackends bool
}

// NewDiagnostics creates a new diagnostics runner. A nil logger uses the
// default slog logger.
func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{
		cfg:    cfg,
		logger: logger,
	}
}

// RunAll runs all diagnostic checks and returns their results.
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("running startup diagnostics")
	d.results = nil

	d.checkSystem()
	d.checkConfiguration()
	d.checkDictionaries()

	if d.SkipPorts {
		d.addResult(DiagnosticResult{Name: "ports", Status: StatusSkipped, Message: "Port checks disabled"})
	} else {
		d.checkPorts()
	}

	d.checkSecurity()
	d.checkOutputs()

	if d.SkipBackends {
		d.addResult(DiagnosticResult{Name: "backends", Status: StatusSkipped, Message: "Backend checks disabled"})
	} else {
		d.checkBackends(ctx)
	}

	d.printSummary()
	return d.results
}

// Results returns the results of the last run.
func (d *Diagnostics) Results() []DiagnosticResult {
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       strconv.Itoa(runtime.NumCPU()),
			"sys_mb":     fmt.Sprintf("%.2f", float64(m.Sys)/1024/1024),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	configPath := os.Getenv("CEF_CONFIG_PATH")
	if configPath == "" {
		configPath = config.DefaultConfigPath
	}

	if fileExists(configPath) {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Config file found",
			Details: map[string]string{"path": configPath},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Config file not found, using defaults",
			Details: map[string]string{"path": configPath},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "config_validation",
		Status:  StatusOK,
		Message: "Configuration is valid",
	})
}

// checkDictionaries loads each configured dictionary so that a bad file is
// reported by path before any listener starts.
func (d *Diagnostics) checkDictionaries() {
	builtin := cef.DefaultDictionary()
	if len(d.cfg.Dictionary.Paths) == 0 {
		d.addResult(DiagnosticResult{
			Name:    "dictionary",
			Status:  StatusOK,
			Message: "Using built-in dictionary",
			Details: map[string]string{"keys": strconv.Itoa(builtin.Len())},
		})
		return
	}

	for _, path := range d.cfg.Dictionary.Paths {
		name := "dictionary_" + path
		dict, err := cef.LoadDictionary(path)
		if err != nil {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusError,
				Message: fmt.Sprintf("Cannot load dictionary: %s", err),
				Details: map[string]string{"path": path},
			})
			continue
		}

		added := 0
		for _, key := range dict.Keys() {
			if _, ok := builtin.Lookup(key); !ok {
				added++
			}
		}
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusOK,
			Message: "Dictionary loaded",
			Details: map[string]string{
				"path":     path,
				"keys":     strconv.Itoa(dict.Len()),
				"new_keys": strconv.Itoa(added),
			},
		})
	}
}

type portCheck struct {
	name    string
	network string
	address string
}

func (d *Diagnostics) checkPorts() {
	ports := []portCheck{
		{"http", "tcp", fmt.Sprintf(":%d", d.cfg.Server.HTTPPort)},
	}
	if d.cfg.Ingest.TCP.Enabled {
		ports = append(ports, portCheck{"tcp", "tcp", d.cfg.Ingest.TCP.Address})
	}
	if d.cfg.Ingest.UDP.Enabled {
		ports = append(ports, portCheck{"udp", "udp", d.cfg.Ingest.UDP.Address})
	}
	if d.cfg.Ingest.DTLS.Enabled {
		ports = append(ports, portCheck{"dtls", "udp", d.cfg.Ingest.DTLS.Address})
	}

	for _, p := range ports {
		name := "port_" + p.name
		if err := probeBind(p.network, p.address); err != nil {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusError,
				Message: fmt.Sprintf("Address %s is not available: %s", p.address, err),
				Details: map[string]string{"network": p.network, "address": p.address},
			})
			continue
		}
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusOK,
			Message: fmt.Sprintf("Address %s is available", p.address),
			Details: map[string]string{"network": p.network, "address": p.address},
		})
	}
}

// probeBind binds the address briefly and releases it.
func probeBind(network, address string) error {
	if network == "udp" {
		conn, err := net.ListenPacket(network, address)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return ln.Close()
}

func (d *Diagnostics) checkSecurity() {
	d.checkAuth()

	if d.cfg.Ingest.UDP.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "udp_security",
			Status:  StatusWarning,
			Message: "Plain UDP is enabled; lines are neither encrypted nor authenticated",
			Details: map[string]string{"recommendation": "Use DTLS (ingest.dtls.enabled=true) or disable UDP"},
		})
	}

	if tcp := d.cfg.Ingest.TCP; tcp.Enabled {
		switch {
		case !tcp.TLSEnabled:
			d.addResult(DiagnosticResult{
				Name:    "tcp_security",
				Status:  StatusWarning,
				Message: "TCP is running without TLS",
				Details: map[string]string{"recommendation": "Set ingest.tcp.tls_enabled=true and configure certificates"},
			})
		case !fileExists(tcp.TLSCertFile) || !fileExists(tcp.TLSKeyFile):
			d.addResult(DiagnosticResult{
				Name:    "tcp_security",
				Status:  StatusError,
				Message: "TLS enabled but certificate files missing",
				Details: map[string]string{"cert_file": tcp.TLSCertFile, "key_file": tcp.TLSKeyFile},
			})
		default:
			d.addResult(DiagnosticResult{Name: "tcp_security", Status: StatusOK, Message: "TCP TLS is configured"})
		}
	}

	if dtls := d.cfg.Ingest.DTLS; dtls.Enabled {
		switch {
		case dtls.CertFile == "" && dtls.AllowInsecure:
			d.addResult(DiagnosticResult{
				Name:    "dtls_security",
				Status:  StatusWarning,
				Message: "No DTLS certificate configured; listener falls back to plain UDP",
			})
		case dtls.CertFile == "":
			d.addResult(DiagnosticResult{
				Name:    "dtls_security",
				Status:  StatusError,
				Message: "DTLS enabled without a certificate",
			})
		case !fileExists(dtls.CertFile) || !fileExists(dtls.KeyFile):
			d.addResult(DiagnosticResult{
				Name:    "dtls_security",
				Status:  StatusError,
				Message: "DTLS certificate files missing",
				Details: map[string]string{"cert_file": dtls.CertFile, "key_file": dtls.KeyFile},
			})
		case dtls.RequireClientCert && !fileExists(dtls.CAFile):
			d.addResult(DiagnosticResult{
				Name:    "dtls_security",
				Status:  StatusError,
				Message: "Client certificates required but CA file missing",
				Details: map[string]string{"ca_file": dtls.CAFile},
			})
		default:
			d.addResult(DiagnosticResult{Name: "dtls_security", Status: StatusOK, Message: "DTLS is configured"})
		}
	}

	if !d.cfg.RateLimit.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusWarning,
			Message: "Rate limiting is disabled",
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusOK,
			Message: "Rate limiting is enabled",
			Details: map[string]string{
				"requests_per_ip": strconv.Itoa(d.cfg.RateLimit.RequestsPerIP),
				"window":          d.cfg.RateLimit.WindowSize.String(),
			},
		})
	}

	if !d.cfg.Headers.Enabled {
		d.addResult(DiagnosticResult{Name: "security_headers", Status: StatusWarning, Message: "Security headers are disabled"})
	} else {
		d.addResult(DiagnosticResult{Name: "security_headers", Status: StatusOK, Message: "Security headers are enabled"})
	}
}

func (d *Diagnostics) checkAuth() {
	if !d.cfg.Auth.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "auth",
			Status:  StatusWarning,
			Message: "Authentication is disabled",
			Details: map[string]string{"recommendation": "Set auth.enabled=true"},
		})
		return
	}

	plaintext := 0
	for _, key := range d.cfg.Auth.APIKeys {
		if !strings.HasPrefix(key, "$2") {
			plaintext++
		}
	}
	if plaintext > 0 {
		d.addResult(DiagnosticResult{
			Name:    "auth",
			Status:  StatusWarning,
			Message: "Authentication is enabled with plaintext API keys",
			Details: map[string]string{
				"plaintext_keys": strconv.Itoa(plaintext),
				"recommendation": "Store bcrypt hashes in auth.api_keys",
			},
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "auth",
		Status:  StatusOK,
		Message: "Authentication is enabled",
		Details: map[string]string{"keys": strconv.Itoa(len(d.cfg.Auth.APIKeys))},
	})
}

// checkOutputs reports which listeners and sinks are enabled.
func (d *Diagnostics) checkOutputs() {
	components := []struct {
		name    string
		enabled bool
	}{
		{"listener_tcp", d.cfg.Ingest.TCP.Enabled},
		{"listener_udp", d.cfg.Ingest.UDP.Enabled},
		{"listener_dtls", d.cfg.Ingest.DTLS.Enabled},
		{"listener_kafka", d.cfg.Kafka.InputEnabled},
		{"sink_clickhouse", d.cfg.Storage.Enabled},
		{"sink_s3", d.cfg.Archive.Enabled},
		{"sink_kafka", d.cfg.Kafka.OutputEnabled},
	}

	enabled := 0
	for _, c := range components {
		if !c.enabled {
			d.addResult(DiagnosticResult{Name: c.name, Status: StatusSkipped, Message: "Disabled"})
			continue
		}
		enabled++
		d.addResult(DiagnosticResult{Name: c.name, Status: StatusOK, Message: "Enabled"})
	}

	d.addResult(DiagnosticResult{
		Name:    "recent_store",
		Status:  StatusOK,
		Message: "Recent records kept in " + d.cfg.Recent.Backend,
		Details: map[string]string{"capacity": strconv.Itoa(d.cfg.Recent.Capacity)},
	})

	d.logger.Info("components summary", "enabled", enabled, "total", len(components))
}

// checkBackends dials each enabled backend once.
func (d *Diagnostics) checkBackends(ctx context.Context) {
	if d.cfg.Storage.Enabled {
		d.probe(ctx, "clickhouse", first(d.cfg.Storage.ClickHouse.Hosts, "localhost:9000"))
	}
	if d.cfg.Recent.Backend == "redis" {
		d.probe(ctx, "redis", d.cfg.Recent.RedisAddr)
	}
	if d.cfg.Kafka.InputEnabled || d.cfg.Kafka.OutputEnabled {
		for _, broker := range d.cfg.Kafka.Brokers {
			d.probe(ctx, "kafka_"+broker, broker)
		}
	}
}

func (d *Diagnostics) probe(ctx context.Context, name, address string) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusError,
			Message: fmt.Sprintf("Cannot reach %s: %s", address, err),
			Details: map[string]string{"address": address},
		})
		return
	}
	conn.Close()
	d.addResult(DiagnosticResult{
		Name:    name,
		Status:  StatusOK,
		Message: "Reachable",
		Details: map[string]string{"address": address},
	})
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)

	if errors > 0 {
		d.logger.Error("startup diagnostics found errors")
	} else if warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings - review before production use")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func first(values []string, fallback string) string {
	if len(values) > 0 {
		return values[0]
	}
	return fallback
}
