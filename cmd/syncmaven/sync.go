package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/internal/pipeline"
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/json"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
	"github.com/syncmaven/syncmaven-sub000/pkg/metrics"
	"github.com/syncmaven/syncmaven-sub000/pkg/observability"
	"github.com/syncmaven/syncmaven-sub000/pkg/store"
)

type syncOptions struct {
	ids         []string
	full        bool
	trace       bool
	metricsAddr string
	output      string
}

func newSyncCommand(a *app) *cobra.Command {
	opts := syncOptions{}
	cmd := &cobra.Command{
		Use:   "sync [sync-id...]",
		Short: "Run syncs",
		Long: `Run the syncs of the project one after another. Without arguments every
enabled sync runs. A failed sync does not stop the others; the command
exits non-zero when any sync failed.

Example:
  syncmaven sync -p syncmaven.yaml users-to-crm --full`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ids = append(opts.ids, args...)
			return a.runSyncs(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.ids, "sync", "s", nil, "Sync ids to run (repeatable)")
	cmd.Flags().BoolVar(&opts.full, "full", false, "Discard saved cursors and resync everything")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "Export OpenTelemetry spans to stderr")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while syncing")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "text", "Result format (text, json)")
	return cmd
}

func (a *app) runSyncs(ctx context.Context, out io.Writer, opts syncOptions) error {
	if opts.output != "text" && opts.output != "json" {
		return errors.Newf(errors.ErrorTypeConfig, "unsupported output format %q", opts.output)
	}
	project, err := a.loadProject()
	if err != nil {
		return err
	}
	syncs, err := project.SelectSyncs(opts.ids)
	if err != nil {
		return err
	}
	if len(syncs) == 0 {
		logger.Warn("no syncs to run")
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.trace || project.Observability.Tracing {
		if err := observability.InitTracing(observability.DefaultTracingConfig(version)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize tracing")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = observability.Shutdown(shutdownCtx)
		}()
	}

	addr := opts.metricsAddr
	if addr == "" {
		addr = project.Observability.MetricsAddr
	}
	if addr != "" {
		srv := serveMetrics(addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	st, err := store.Open(ctx, project.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	runner := pipeline.NewRunner(project, st)
	var (
		results  []pipeline.Result
		failures int
	)
	_ = observability.Trace(ctx, "sync.run_all", func(ctx context.Context) error {
		results, failures = runner.RunAll(ctx, syncs, pipeline.RunOptions{FullRefresh: opts.full})
		return nil
	}, attribute.Int("syncs", len(syncs)), attribute.Bool("full_refresh", opts.full))

	if err := printResults(out, results, opts.output); err != nil {
		return err
	}
	if failures > 0 {
		return errors.Newf(errors.ErrorTypeInternal, "%d of %d syncs failed", failures, len(results)).
			WithDetail("failures", failures)
	}
	return nil
}

// serveMetrics exposes the Prometheus registry until the returned server is
// shut down.
func serveMetrics(addr string) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}

type resultView struct {
	SyncID string          `json:"sync_id"`
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Stats  *pipeline.Stats `json:"stats"`
}

func printResults(out io.Writer, results []pipeline.Result, format string) error {
	views := make([]resultView, 0, len(results))
	for _, r := range results {
		v := resultView{SyncID: r.SyncID, Status: "ok", Stats: r.Stats}
		if v.Stats == nil {
			v.Stats = &pipeline.Stats{}
		}
		if r.Err != nil {
			v.Status, v.Error = "failed", r.Err.Error()
		}
		views = append(views, v)
	}

	if format == "json" {
		data, err := json.MarshalIndent(views, "", "  ")
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode results")
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	rows := [][]string{{"SYNC", "STATUS", "RECEIVED", "SUCCESS", "SKIPPED", "FAILED", "CHECKPOINTS", "DURATION"}}
	for _, v := range views {
		rows = append(rows, []string{
			v.SyncID,
			v.Status,
			fmt.Sprint(v.Stats.Received),
			fmt.Sprint(v.Stats.Success),
			fmt.Sprint(v.Stats.Skipped),
			fmt.Sprint(v.Stats.Failed),
			fmt.Sprint(v.Stats.Checkpoints),
			v.Stats.Duration.Round(time.Millisecond).String(),
		})
	}
	if _, err := fmt.Fprint(out, renderTable(rows)); err != nil {
		return err
	}
	for _, v := range views {
		if v.Error != "" {
			if _, err := fmt.Fprintf(out, "%s: %s\n", v.SyncID, v.Error); err != nil {
				return err
			}
		}
	}
	return nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

// renderTable aligns rows into columns. The first row is the header; a
// cell reading "ok" or "failed" is colored when the output is a terminal.
func renderTable(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b []byte
	for r, row := range rows {
		for i, cell := range row {
			style := lipgloss.NewStyle()
			switch {
			case r == 0:
				style = headerStyle
			case cell == "ok":
				style = okStyle
			case cell == "failed":
				style = failedStyle
			}
			if i < len(row)-1 {
				style = style.Width(widths[i] + 2)
			}
			b = append(b, style.Render(cell)...)
		}
		b = append(b, '\n')
	}
	return string(b)
}
