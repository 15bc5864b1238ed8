package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/petal-labs/mcpfleet/bus"
	"github.com/petal-labs/mcpfleet/daemon"
	"github.com/petal-labs/mcpfleet/fleet"
	fleetotel "github.com/petal-labs/mcpfleet/otel"
	"github.com/petal-labs/mcpfleet/tool"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet and its HTTP API",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8765, "Listen port")
	cmd.Flags().String("host", "127.0.0.1", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("config", "", "Path to mcpfleet.yaml (default: $MCPFLEET_CONFIG, ./mcpfleet.yaml, ~/.mcpfleet/config.yaml)")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite definition store (default: ~/.mcpfleet/mcpfleet.db)")
	cmd.Flags().Bool("memory-store", false, "Keep registered tools in memory only")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP collector URL for traces")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 keeps event streams open)")
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Time allowed for stopping tools on shutdown")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")
	otlpEndpoint, _ := cmd.Flags().GetString("otlp-endpoint")
	explicitConfigPath, _ := cmd.Flags().GetString("config")

	logger := commandLogger(cmd)

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fileCfg, err := loadFleetFile(explicitConfigPath)
	if err != nil {
		return err
	}
	if fileCfg.Path != "" {
		logger.Info("fleet config loaded", "path", fileCfg.Path, "tools", len(fileCfg.Tools))
	}

	store, closeStore, err := resolveServeStore(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	if otlpEndpoint != "" {
		tp, err := fleetotel.NewTracerProvider(ctx, fleetotel.ProviderConfig{
			Endpoint:       otlpEndpoint,
			ServiceName:    "mcpfleet",
			ServiceVersion: cmd.Root().Version,
		})
		if err != nil {
			return exitError(exitValidation, "initializing trace exporter: %v", err)
		}
		otelapi.SetTracerProvider(tp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	toolObserver, err := fleetotel.NewToolObserver(
		otelapi.GetMeterProvider().Meter("mcpfleet/tool"),
		otelapi.GetTracerProvider().Tracer("mcpfleet/tool"),
	)
	if err != nil {
		return fmt.Errorf("initializing tool observability: %w", err)
	}
	eventMetrics, err := fleetotel.NewEventMetrics(otelapi.GetMeterProvider().Meter("mcpfleet/fleet"))
	if err != nil {
		return fmt.Errorf("initializing event metrics: %w", err)
	}
	tracing := fleetotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer("mcpfleet/fleet"))

	f, err := fleet.New(ctx, fileCfg.Fleet, fleet.Options{
		Store:    store,
		Logger:   logger,
		Observer: toolObserver,
	})
	if err != nil {
		return exitError(exitValidation, "creating fleet: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := f.Close(closeCtx); err != nil {
			logger.Error("fleet shutdown", "error", err)
		}
	}()
	go bus.Pump(f.Events().SubscribeAll(), eventMetrics.Handle, tracing.Handle)

	if defs := fileCfg.Definitions(""); len(defs) > 0 {
		if err := f.Declare(ctx, defs); err != nil {
			return exitError(exitValidation, "declaring tools: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d tool declaration(s) from %s\n", len(defs), fileCfg.Path)
	}
	if len(f.Config().Discovery.Paths) > 0 {
		if _, err := f.DiscoverTools(ctx, nil, f.Config().Discovery.Recursive); err != nil {
			logger.Warn("startup discovery", "error", err)
		}
	}

	daemonServer, err := daemon.NewServer(daemon.ServerConfig{Fleet: f, Logger: logger})
	if err != nil {
		return fmt.Errorf("creating daemon server: %w", err)
	}

	handler := withCORS(daemonServer.Handler(), corsOrigin)
	handler = maxBodyMiddleware(handler, maxBody)

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	runErr := make(chan error, 1)
	go func() { runErr <- f.Run(ctx) }()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "mcpfleet daemon listening on %s\n", addr)
		if tlsCert != "" && tlsKey != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-runErr:
		_ = httpServer.Close()
		if err != nil {
			return exitError(exitRuntime, "fleet error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// loadFleetFile loads the discovered fleet file, or an empty one when none
// exists.
func loadFleetFile(explicitPath string) (daemon.FleetConfigFile, error) {
	path, found, err := daemon.DiscoverConfigPath(explicitPath)
	if err != nil {
		return daemon.FleetConfigFile{}, exitError(exitFileNotFound, "%v", err)
	}
	if !found {
		return daemon.FleetConfigFile{}, nil
	}
	cfg, err := daemon.LoadConfig(path)
	if err != nil {
		return daemon.FleetConfigFile{}, exitError(exitValidation, "%v", err)
	}
	return cfg, nil
}

func resolveServeStore(cmd *cobra.Command) (tool.Store, func(), error) {
	if memory, _ := cmd.Flags().GetBool("memory-store"); memory {
		return tool.NewMemoryStore(), func() {}, nil
	}
	dsn, err := resolveServeSQLiteDSN(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := tool.NewSQLiteStore(tool.SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		return nil, nil, fmt.Errorf("opening sqlite tool store: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

func resolveServeSQLiteDSN(cmd *cobra.Command) (string, error) {
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	dsn := strings.TrimSpace(sqlitePath)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("MCPFLEET_SQLITE_PATH"))
	}
	if dsn == "" {
		defaultPath, err := tool.DefaultSQLitePath()
		if err != nil {
			return "", fmt.Errorf("resolving default sqlite path: %w", err)
		}
		dsn = defaultPath
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = filepath.Clean(dsn)
	}
	return dsn, nil
}

func withCORS(next http.Handler, allowedOrigin string) http.Handler {
	origin := strings.TrimSpace(allowedOrigin)
	if origin == "" {
		origin = "*"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func maxBodyMiddleware(next http.Handler, maxBody int64) http.Handler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		next.ServeHTTP(w, r)
	})
}
