// Package cmd provides the shared scaffolding for Trellis commands: config
// loading, logging and metrics setup, and signal handling.
//
// The idea is to make the specific command files very small:
//
//	func main() {
//		var c Config
//		err := cmd.ReadConfigFile(*configFile, &c)
//		cmd.FailOnError(err, "Reading config")
//		...
//	}
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/syslog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/letsencrypt/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	blog "github.com/trellisca/trellis/log"
)

// Because we don't know whether a syslog connection is available at the time
// FailOnError or Fail is called, failures are written to stderr as well as
// the logger.

// Fail raises an error printing it in a visible way and exits.
func Fail(msg string) {
	logger := blog.Get()
	logger.AuditErr(msg)
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

// FailOnError calls Fail if the provided error is non-nil.
// This is useful for one-line error handling in top-level executables,
// but should generally be avoided in libraries. The message argument is optional
// and will be completely omitted if empty.
func FailOnError(err error, msg string) {
	if err == nil {
		return
	}
	if msg == "" {
		Fail(err.Error())
	} else {
		Fail(fmt.Sprintf("%s: %s", msg, err))
	}
}

// ReadConfigFile takes a file path as an argument and attempts to
// unmarshal the content of the file into a struct containing a
// configuration of a Trellis component. Any config fields annotated as
// required are checked after unmarshaling.
func ReadConfigFile(filename string, out interface{}) error {
	configData, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	err = json.Unmarshal(configData, out)
	if err != nil {
		return fmt.Errorf("parsing config file %q: %w", filename, err)
	}

	validate := validator.New()
	err = validate.Struct(out)
	if err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return fmt.Errorf("validating config file %q: %w", filename, err)
		}
		return fmt.Errorf("config file %q failed validation: %w", filename, err)
	}
	return nil
}

// SyslogConfig defines the config for syslogging.
type SyslogConfig struct {
	// StdoutLevel and SyslogLevel are syslog severity levels (0-7). A
	// level of 6 and below suppresses debug output.
	StdoutLevel int
	SyslogLevel int
}

// StatsAndLogging constructs a prometheus registry and a Logger based on its
// config parameters, and return them both. It also spawns off an HTTP server
// on the provided port to report the stats and provide pprof profiling
// handlers.
//
// The constructed Logger is installed as the process-wide default via
// blog.Set.
func StatsAndLogging(logConf SyslogConfig, debugAddr string) (prometheus.Registerer, blog.Logger) {
	logger := NewLogger(logConf)
	stats := newStatsRegistry(debugAddr, logger)
	return stats, logger
}

// NewLogger produces a Logger from the provided config and installs it as
// the process default.
func NewLogger(logConf SyslogConfig) blog.Logger {
	var logger blog.Logger
	if logConf.SyslogLevel >= 0 {
		syslogger, err := syslog.Dial(
			"",
			"",
			syslog.LOG_INFO|syslog.LOG_LOCAL0,
			processName())
		FailOnError(err, "Could not connect to Syslog")
		syslogLevel := int(syslog.LOG_INFO)
		if logConf.SyslogLevel != 0 {
			syslogLevel = logConf.SyslogLevel
		}
		logger, err = blog.New(syslogger, logConf.StdoutLevel, syslogLevel)
		FailOnError(err, "Could not connect to Syslog")
	} else {
		logger = blog.StdoutLogger(logConf.StdoutLevel)
	}

	_ = blog.Set(logger)
	return logger
}

// newStatsRegistry creates a Prometheus registry with the standard process
// and Go collectors registered, and starts a debug server on the given
// address serving metrics and pprof data.
func newStatsRegistry(debugAddr string, logger blog.Logger) prometheus.Registerer {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if debugAddr == "" {
		return registry
	}

	mux := http.NewServeMux()
	mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	mux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	mux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	mux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := http.Server{
		Addr:        debugAddr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}
	go func() {
		logger.Infof("Debug server listening on %s", debugAddr)
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errf("Debug server failed: %s", err)
		}
	}()
	return registry
}

func processName() string {
	return os.Args[0]
}

// CatchSignals blocks until a SIGTERM, SIGINT, or SIGHUP is received, then
// runs the provided callback. The callback should initiate a graceful
// shutdown; CatchSignals exits the process once it returns.
func CatchSignals(callback func()) {
	WaitForSignal()
	if callback != nil {
		callback()
	}
	os.Exit(0)
}

// WaitForSignal blocks until a SIGTERM, SIGINT, or SIGHUP is received.
func WaitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	<-sigChan
}

// VersionString produces a friendly program name and Go version string for
// startup logging.
func VersionString() string {
	return fmt.Sprintf("Versions: %s (Go: %s)", processName(), runtime.Version())
}
