// tald is the telescope control daemon: it mediates between RPC clients
// and the talon low-level motion controller, serializing motion
// commands, polling shared-memory telemetry, and enforcing soft limits,
// access control and the optional security interlock.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/logutils"

	"github.com/openobs/talond/internal/config"
	"github.com/openobs/talond/internal/daemon"
	"github.com/openobs/talond/internal/dispatcher"
	"github.com/openobs/talond/internal/fifo"
	"github.com/openobs/talond/internal/interlock"
	"github.com/openobs/talond/internal/liveness"
	"github.com/openobs/talond/internal/rpcserver"
	"github.com/openobs/talond/internal/shm"
	"github.com/openobs/talond/internal/status"
	"github.com/openobs/talond/internal/telemetry"
)

// The main version number that is being run at the moment.
const Version = "0.1.0"

func main() {
	os.Exit(realMain())
}

func realMain() int {
	var configPaths AppendSliceValue
	var rpcAddr string
	var logLevel string
	var showVersion bool

	cmdFlags := flag.NewFlagSet("tald", flag.ContinueOnError)
	cmdFlags.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	cmdFlags.Var(&configPaths, "config",
		"json file or directory of json files to read")
	cmdFlags.StringVar(&rpcAddr, "rpc-addr", "",
		"address to bind the RPC listener to")
	cmdFlags.StringVar(&logLevel, "log-level", "",
		"log level filter (DEBUG, INFO, WARN, ERR)")
	cmdFlags.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := cmdFlags.Parse(os.Args[1:]); err != nil {
		return 1
	}

	if showVersion {
		fmt.Printf("tald v%s\n", Version)
		return 0
	}

	cfg, err := config.ReadPaths([]string(configPaths))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading configuration: %s\n", err)
		return 1
	}
	if rpcAddr != "" {
		cfg.RPCAddr = rpcAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if cfg.RPCAddr == "" {
		cfg.RPCAddr = "127.0.0.1:7425"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %s\n", err)
		return 1
	}

	// Level-filtered logging, filtering logs of the specified level.
	logFilter := LevelFilter()
	logFilter.MinLevel = logutils.LogLevel(strings.ToUpper(cfg.LogLevel))
	logFilter.Writer = os.Stderr
	if !ValidateLevelFilter(logFilter.MinLevel, logFilter) {
		fmt.Fprintf(os.Stderr,
			"Invalid log level: %s. Valid log levels are: %v\n",
			logFilter.MinLevel, logFilter.Levels)
		return 1
	}
	logger := log.New(logFilter, "", log.LstdFlags)

	// In-memory metrics sink, dumped to the log on SIGUSR1.
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)
	metricsConf := metrics.DefaultConfig(cfg.RPCName)
	metrics.NewGlobal(metricsConf, inm)

	gates := telemetry.NewGates()
	snapshot := &telemetry.Snapshot{}

	reader := shm.NewReader(cfg.ShmKey)
	monitor := liveness.NewMonitor(cfg.QueryTimeoutIterations)
	poller := telemetry.NewPoller(reader, monitor, cfg.CommDir,
		cfg.QueryDelay, logger, gates, snapshot)

	var interlockClient dispatcher.InterlockClient
	if cfg.Flavor == config.FlavorFull {
		interlockClient = interlock.NewClient(cfg.Interlock.Addr,
			cfg.Interlock.Key, cfg.Timeouts.Ping, logger)
	}

	disp := dispatcher.New(cfg, gates, snapshot, fifo.New(cfg.CommDir),
		daemon.NewSupervisor(logger), interlockClient, logger)
	reporter := status.NewReporter(cfg, gates, snapshot, disp, nil, logger)

	listener, err := net.Listen("tcp", cfg.RPCAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error binding RPC listener: %s\n", err)
		return 1
	}
	server := rpcserver.NewServer(disp, reporter, listener, logger)
	defer server.Shutdown()

	poller.Start()
	defer poller.Stop()

	logger.Printf("[INFO] tald: v%s started, rpc %s, flavor %s",
		Version, cfg.RPCAddr, cfg.Flavor)

	return handleSignals(logger)
}

// handleSignals blocks until we get an exit-causing signal
func handleSignals(logger *log.Logger) int {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	sig := <-signalCh
	logger.Printf("[INFO] tald: caught signal: %v, shutting down", sig)
	return 0
}

const usage = `Usage: tald [options]

  Starts the telescope control daemon and blocks until a SIGINT or
  SIGTERM is received.

Options:

  -config=path        Path to a JSON configuration file, or a directory
                      of *.json files merged in lexical order. May be
                      specified multiple times.
  -rpc-addr=addr      Address to bind the RPC listener to. Overrides
                      the configuration file.
  -log-level=level    DEBUG, INFO, WARN or ERR. Overrides the
                      configuration file.
  -version            Print the version and exit.
`
