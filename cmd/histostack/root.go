package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"histostack/pkg/config"
	"histostack/pkg/logger"
	"histostack/pkg/pyramid"
	"histostack/pkg/storage"
)

const (
	configFlag    = "config"
	dbFlag        = "db"
	artifactsFlag = "artifacts"
	outputFlag    = "output"
	workersFlag   = "workers"
	logFormatFlag = "log-format"
	logLevelFlag  = "log-level"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "histostack",
		Short: "Stack serial tissue sections into an aligned, multi-resolution 3D volume",
		Long: `histostack aligns sequentially cut, individually scanned tissue sections and
publishes the stacked volume as a chunked precomputed pyramid.

Progress is checkpointed per section, so an interrupted run resumes where it stopped.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.String(configFlag, "histostack.yaml", "path to the YAML configuration file")
	flags.String(dbFlag, "", "checkpoint database (overrides storage.checkpointDB)")
	flags.String(artifactsFlag, "", "artifact directory (overrides storage.artifactDir)")
	flags.String(outputFlag, "", "pyramid output directory (overrides storage.outputDir)")
	flags.Int(workersFlag, 0, "sections processed concurrently (overrides orchestrator.workers)")
	flags.String(logFormatFlag, "", "log format: json or text")
	flags.String(logLevelFlag, "", "log level: none, debug, info, warn or error")

	return cmd
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString(configFlag)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	override := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	override(dbFlag, &cfg.Storage.CheckpointDB)
	override(artifactsFlag, &cfg.Storage.ArtifactDir)
	override(outputFlag, &cfg.Storage.OutputDir)
	override(logFormatFlag, &cfg.Log.Format)
	override(logLevelFlag, &cfg.Log.Level)
	if flags.Changed(workersFlag) {
		cfg.Orchestrator.Workers, _ = flags.GetInt(workersFlag)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// stores opens everything a command needs to read or change progress.
type stores struct {
	cfg       *config.Config
	log       *logger.ZapLogger
	db        *storage.Store
	artifacts *storage.Artifacts
	chunks    *pyramid.FileStore
}

func openStores(cmd *cobra.Command) (*stores, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(cfg.Storage.CheckpointDB)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	artifacts, err := storage.NewArtifacts(cfg.Storage.ArtifactDir)
	if err != nil {
		db.Close()
		return nil, err
	}
	chunks, err := pyramid.NewFileStore(cfg.Storage.OutputDir)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &stores{cfg: cfg, log: log, db: db, artifacts: artifacts, chunks: chunks}, nil
}

func (s *stores) Close() {
	_ = s.log.Sync()
	_ = s.db.Close()
}
