package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/sagastore/internal/store"
)

// IndexOptions holds flags for the index command.
type IndexOptions struct {
	*RootOptions
	Watch       bool
	MetricsAddr string

	// ready, when set, receives the metrics listener address once serving
	// (for testing).
	ready chan<- string
}

// IndexResult reports one catch-up pass.
type IndexResult struct {
	Reindexed int   `json:"reindexed"`
	Lag       int64 `json:"lag"`
}

// NewIndexCommand creates the index command.
func NewIndexCommand(rootOpts *RootOptions, v *viper.Viper) *cobra.Command {
	opts := &IndexOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Bring the query index up to date",
		Long: `Index documents changed since the last pass.

Queries on non-unique properties read only the secondary index, so they see
writes once the indexer has caught up. Without --watch one pass runs and the
command exits; with --watch the indexer runs every --interval until
interrupted, optionally serving Prometheus metrics.

Example:
  sagastore index --db ./sagastore.db
  sagastore index --watch --interval 500ms --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "keep indexing until interrupted")
	cmd.Flags().Duration("interval", time.Second, "pass interval under --watch")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address under --watch")
	_ = v.BindPFlag(keyIndexInterval, cmd.Flags().Lookup("interval"))

	return cmd
}

func runIndex(opts *IndexOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	logger := opts.logger()

	st, err := store.Open(opts.Database, store.WithLogger(logger))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to open store", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	ix := st.Indexer()
	ctx := commandContext(cmd)

	if !opts.Watch {
		n, err := ix.CatchUp(ctx)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeStore, "index catch-up failed", err)
		}
		lag, err := ix.Lag(ctx)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeStore, "index lag unavailable", err)
		}
		result := IndexResult{Reindexed: n, Lag: lag}
		if opts.Format == "json" {
			return formatter.Success(result)
		}
		fmt.Fprintf(formatter.Writer, "✓ reindexed %d document(s), lag %d\n", result.Reindexed, result.Lag)
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.MetricsAddr != "" {
		srv, addr, err := serveMetrics(ctx, logger, opts.MetricsAddr, indexRegistry(ctx, ix))
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, "failed to start metrics server", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", "addr", addr)
		if opts.ready != nil {
			opts.ready <- addr
		}
	}

	if err := ix.Run(ctx, opts.IndexInterval); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "indexer failed", err)
	}
	return nil
}

// indexRegistry exposes the indexer's lag as sagastore_index_lag.
func indexRegistry(ctx context.Context, ix *store.Indexer) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sagastore_index_lag",
		Help: "Changes committed but not yet reflected in the query index.",
	}, func() float64 {
		lag, err := ix.Lag(ctx)
		if err != nil {
			return -1
		}
		return float64(lag)
	}))
	return reg
}

func serveMetrics(ctx context.Context, logger *slog.Logger, addr string, reg *prometheus.Registry) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv, ln.Addr().String(), nil
}
