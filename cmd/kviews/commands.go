package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/birdayz/kviews"
	"github.com/birdayz/kviews/kmetrics"
	"github.com/birdayz/kviews/krecipe"
	"github.com/birdayz/kviews/krow"
	"github.com/birdayz/kviews/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kviews",
		Short:         "Incrementally maintained materialized views",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newValidateCmd(), newGraphvizCmd(), newRunCmd())
	return root
}

// dryRun applies the recipe to a throwaway in-memory controller.
func dryRun(ctx context.Context, path string) (*kviews.Controller, error) {
	rec, err := krecipe.Load(path)
	if err != nil {
		return nil, err
	}
	c, err := kviews.New(kviews.WithDurability(kviews.DurabilityMemoryOnly))
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	if _, err := c.Migrate(ctx, rec.Apply); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <recipe>",
		Short: "Check that a recipe builds a valid graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dryRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			printSchema(out, "table", c.Inputs())
			printSchema(out, "view", c.Outputs())
			return nil
		},
	}
}

func newGraphvizCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graphviz <recipe>",
		Short: "Print the graph of a recipe in dot format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dryRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer c.Close()
			fmt.Fprint(cmd.OutOrStdout(), c.Graphviz())
			return nil
		},
	}
}

func printSchema(w io.Writer, kind string, schema map[string][]string) {
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s %s(%s)\n", kind, name, strings.Join(schema[name], ", "))
	}
}

type runOptions struct {
	recipe      string
	stateDir    string
	durability  string
	partial     bool
	brokers     []string
	topic       string
	logFormat   string
	logLevel    string
	metricsAddr string
}

func newRunCmd() *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve a recipe, reading requests as JSON lines from stdin",
		Long: `Serve a recipe. Every stdin line is one request:

  {"op": "insert", "table": "users", "rows": [[1, "ada"]]}
  {"op": "delete", "table": "users", "rows": [[1, "ada"]]}
  {"op": "read", "view": "count_by_id", "key": [1]}
  {"op": "sync"}

Every request is answered with one JSON line on stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return o.run(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.recipe, "recipe", "", "YAML recipe applied on start")
	f.StringVar(&o.stateDir, "state-dir", "", "directory for durable base tables")
	f.StringVar(&o.durability, "durability", "", "memory-only, permanent or delete-on-exit")
	f.BoolVar(&o.partial, "partial", true, "enable partial materialization")
	f.StringSliceVar(&o.brokers, "brokers", nil, "Kafka brokers for the write changelog")
	f.StringVar(&o.topic, "topic", "", "changelog topic")
	f.StringVar(&o.logFormat, "log-format", string(log.FormatConsole), "console, json or tint")
	f.StringVar(&o.logLevel, "log-level", "info", "debug, info, warn or error")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func parseDurability(s string) (kviews.Durability, bool, error) {
	switch s {
	case "":
		return 0, false, nil
	case "memory-only":
		return kviews.DurabilityMemoryOnly, true, nil
	case "permanent":
		return kviews.DurabilityPermanent, true, nil
	case "delete-on-exit":
		return kviews.DurabilityDeleteOnExit, true, nil
	}
	return 0, false, fmt.Errorf("unknown durability %q", s)
}

func (o *runOptions) options(logger *slog.Logger) ([]kviews.Option, error) {
	opts := []kviews.Option{
		kviews.WithLog(logger),
		kviews.WithPartial(o.partial),
	}
	if o.stateDir != "" {
		opts = append(opts, kviews.WithStateDir(o.stateDir))
	}
	d, set, err := parseDurability(o.durability)
	if err != nil {
		return nil, err
	}
	if set {
		opts = append(opts, kviews.WithDurability(d))
	}
	if len(o.brokers) > 0 {
		opts = append(opts, kviews.WithChangelog(o.brokers, o.topic))
	}
	if o.recipe != "" {
		rec, err := krecipe.Load(o.recipe)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kviews.WithMigration(rec.Apply))
	}
	return opts, nil
}

func (o *runOptions) run(ctx context.Context, in io.Reader, out, errOut io.Writer) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return err
	}
	logger, err := log.ForFormat(log.Format(o.logFormat), errOut, level)
	if err != nil {
		return err
	}
	opts, err := o.options(logger)
	if err != nil {
		return err
	}

	c, err := kviews.New(opts...)
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}

	if o.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(kmetrics.NewCollector(c, 5*time.Second))
		srv := &http.Server{
			Addr:              o.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case ev := <-c.Status():
				logger.Error("Node faulted", "node", ev.Node, "error", ev.Err())
			case <-done:
				return
			}
		}
	}()

	serveErr := serve(ctx, c, in, out)
	return errors.Join(serveErr, c.Close())
}

type request struct {
	Op    string    `json:"op"`
	Table string    `json:"table,omitempty"`
	View  string    `json:"view,omitempty"`
	Rows  krow.Rows `json:"rows,omitempty"`
	Key   krow.Row  `json:"key,omitempty"`
}

type response struct {
	Rows  krow.Rows `json:"rows,omitempty"`
	Error string    `json:"error,omitempty"`
}

// serve answers requests until in is exhausted or ctx is done.
func serve(ctx context.Context, c *kviews.Controller, in io.Reader, out io.Writer) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- append([]byte(nil), sc.Bytes()...):
			case <-ctx.Done():
				scanErr <- nil
				return
			}
		}
		scanErr <- sc.Err()
	}()

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			if err := enc.Encode(handle(ctx, c, line)); err != nil {
				return err
			}
		}
	}
}

func handle(ctx context.Context, c *kviews.Controller, line []byte) response {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return response{Error: err.Error()}
	}
	var err error
	switch req.Op {
	case "insert":
		err = c.Insert(ctx, req.Table, req.Rows...)
	case "delete":
		err = c.Delete(ctx, req.Table, req.Rows...)
	case "sync":
		err = c.Sync(ctx)
	case "read":
		var rows krow.Rows
		rows, err = c.Read(ctx, req.View, req.Key)
		if err == nil {
			return response{Rows: rows.Sorted()}
		}
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}
	if err != nil {
		return response{Error: err.Error()}
	}
	return response{}
}
