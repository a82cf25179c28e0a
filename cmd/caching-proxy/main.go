package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	cachingproxy "github.com/always-cache/caching-proxy"
	"github.com/always-cache/caching-proxy/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

const usage = "Usage: caching-proxy --port <number> --origin <url>"

var (
	// CLI flags
	portFlag           int
	originFlag         string
	clearCacheFlag     bool
	configFilenameFlag string
	providerFlag       string
	originTimeoutFlag  time.Duration
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.IntVar(&portFlag, "port", 0, "Port to listen on")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to forward requests to")
	flag.BoolVar(&clearCacheFlag, "clear-cache", false, "Clear the cache and exit")
	flag.StringVar(&configFilenameFlag, "config", "", "Path to YAML config file (flags take precedence)")
	flag.StringVar(&providerFlag, "provider", "", "Cache provider to use: memory or sqlite (default memory)")
	flag.DurationVar(&originTimeoutFlag, "origin-timeout", 0, "Timeout for origin requests (0 means none)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := realMain(ctx, os.Stdout)
	stop()
	os.Exit(code)
}

// realMain runs the mode selected by the flags and returns the exit code.
// Serve mode runs until ctx is done.
func realMain(ctx context.Context, out io.Writer) int {
	// usage goes to the console like every other message
	flag.CommandLine.SetOutput(out)

	if err := setupLogger(out); err != nil {
		fmt.Fprintf(out, "Cannot open log file: %s\n", err)
		return 1
	}

	settings, err := resolveSettings()
	if err != nil {
		log.Error().Err(err).Msg("Could not read config file")
		return 1
	}

	c, err := cache.NewProvider(settings.Provider)
	if err != nil {
		log.Error().Err(err).Msg("Could not create cache")
		return 1
	}

	if clearCacheFlag {
		if err := c.Clear(); err != nil {
			log.Error().Err(err).Msg("Could not clear cache")
			return 1
		}
		log.Info().Msg("Cache cleared.")
		return 0
	}

	if settings.Port <= 0 || settings.Origin == "" {
		flag.Usage()
		return 0
	}
	if originUrl, err := url.Parse(settings.Origin); err != nil || !originUrl.IsAbs() {
		log.Error().Err(err).Str("origin", settings.Origin).Msg("Could not parse origin url")
		flag.Usage()
		return 0
	}

	proxy := cachingproxy.CreateProxy(cachingproxy.Config{
		Cache:         c,
		OriginURL:     settings.Origin,
		OriginTimeout: time.Duration(settings.OriginTimeout),
		Logger:        &log.Logger,
	})
	server := cachingproxy.NewServer(proxy, settings.Port, log.Logger)

	if err := run(ctx, server, settings.Origin); err != nil {
		log.Error().Err(err).Msg("Server failed")
		return 1
	}
	return 0
}

// resolveSettings merges the config file (if any) with the command line flags.
func resolveSettings() (cachingproxy.FileConfig, error) {
	var settings cachingproxy.FileConfig
	if configFilenameFlag != "" {
		config, err := cachingproxy.LoadConfig(configFilenameFlag)
		if err != nil {
			return settings, err
		}
		settings = config
	}
	if portFlag != 0 {
		settings.Port = portFlag
	}
	if originFlag != "" {
		settings.Origin = originFlag
	}
	if providerFlag != "" {
		settings.Provider = providerFlag
	}
	if originTimeoutFlag != 0 {
		settings.OriginTimeout = cachingproxy.Duration(originTimeoutFlag)
	}
	return settings, nil
}

// run binds the port and serves until ctx is done, then shuts down gracefully.
func run(ctx context.Context, server *cachingproxy.Server, origin string) error {
	l, err := net.Listen("tcp", server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", server.Addr(), err)
	}
	log.Info().Msgf("Caching proxy server started on %s", server.URL())
	log.Info().Msgf("Forwarding requests to %s", origin)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(l)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Dur("timeout", shutdownTimeout).Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// setupLogger logs to out and optionally to a file.
func setupLogger(out io.Writer) error {
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: out})
	if logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return err
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = zerolog.New(multiWriter).Level(logLevel).
		With().Timestamp().Str("version", version).Logger()
	return nil
}
