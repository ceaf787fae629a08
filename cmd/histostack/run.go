package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"histostack/internal/models"
	"histostack/pkg/events"
	"histostack/pkg/ingest"
	"histostack/pkg/pipeline"
)

const (
	volumeFlag      = "volume"
	eventsFlag      = "events"
	metricsAddrFlag = "metrics-addr"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <manifest.yaml>",
		Short: "Process the volumes of a manifest, resuming from the last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  runPipeline,
	}

	flags := cmd.Flags()
	flags.StringSlice(volumeFlag, nil, "process only these volumes (default: every volume in the manifest)")
	flags.String(eventsFlag, "", "append progress events as JSON lines to this file")
	flags.String(metricsAddrFlag, "", "serve Prometheus metrics on this address while running, e.g. :9090")

	return cmd
}

func runPipeline(cmd *cobra.Command, args []string) error {
	s, err := openStores(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	manifest, err := ingest.LoadManifest(args[0])
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	volumes, _ := flags.GetStringSlice(volumeFlag)
	eventsPath, _ := flags.GetString(eventsFlag)
	metricsAddr, _ := flags.GetString(metricsAddrFlag)

	sinks := events.Fanout{events.NewLogSink(s.log)}
	if eventsPath != "" {
		f, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open events file: %w", err)
		}
		defer f.Close()
		sinks = append(sinks, events.NewJSONLines(f))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		shutdown, err := serveMetrics(metricsAddr, reg, s)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	o, err := pipeline.New(pipeline.Options{
		Config:     s.cfg,
		Source:     manifest,
		Store:      s.db,
		Artifacts:  s.artifacts,
		Chunks:     s.chunks,
		Sink:       sinks,
		Logger:     s.log,
		Registerer: reg,
	})
	if err != nil {
		return err
	}
	defer o.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "================================")
	fmt.Fprintln(out, "HISTOSTACK: 3D VOLUME ASSEMBLY FROM SERIAL TISSUE SECTIONS")
	fmt.Fprintln(out, "================================")
	fmt.Fprintf(out, "Checkpoints: %s\n", s.cfg.Storage.CheckpointDB)
	fmt.Fprintf(out, "Output: %s\n", s.chunks.Root())
	fmt.Fprintf(out, "Workers: %d\n\n", s.cfg.Orchestrator.Workers)

	start := time.Now()
	runErr := o.RunAll(ctx, volumes)
	elapsed := time.Since(start)

	if len(volumes) == 0 {
		if volumes, err = manifest.Volumes(context.Background()); err != nil {
			return err
		}
	}
	for _, id := range volumes {
		secs, err := s.db.ListSections(context.Background(), id)
		if err != nil {
			continue
		}
		counts := map[models.Status]int{}
		for _, sec := range secs {
			counts[sec.Status]++
		}
		fmt.Fprintf(out, "Volume %s: %d sections, %d pyramided, %d failed\n",
			id, len(secs), counts[models.StatusPyramided], counts[models.StatusFailed])
	}
	fmt.Fprintf(out, "\nTotal processing time: %.2f seconds\n", elapsed.Seconds())

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			fmt.Fprintln(out, "Interrupted; run again to resume.")
		}
		return runErr
	}
	fmt.Fprintln(out, "Reconstruction completed successfully!")
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, s *stores) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server failed", zap.Error(err))
		}
	}()
	s.log.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
