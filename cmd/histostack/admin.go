package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"histostack/pkg/config"
	"histostack/pkg/ingest"
	"histostack/pkg/pipeline"
	"histostack/pkg/storage"
)

func newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <volume> <section>...",
		Short: "Return sections to pending so the next run reprocesses them",
		Long: `Return sections to pending so the next run reprocesses them.

Sections registered against a reset section go back to masked, and every
transform of the volume is recomputed on the next run.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			indices, err := parseIndices(args[1:])
			if err != nil {
				return err
			}
			return withOrchestrator(cmd, func(o *pipeline.Orchestrator, s *stores) error {
				for _, idx := range indices {
					if err := o.Reset(cmd.Context(), args[0], idx); err != nil {
						return fmt.Errorf("reset section %d: %w", idx, err)
					}
					for _, kind := range []storage.ArtifactKind{storage.KindAligned, storage.KindPreview} {
						if err := s.artifacts.Delete(args[0], kind, idx); err != nil {
							s.log.Warn("stale artifact kept", zap.Int("section", idx), zap.Error(err))
						}
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Section %d of %s reset\n", idx, args[0])
				}
				return nil
			})
		},
	}
}

func newReferenceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reference <volume> <section>",
		Short: "Designate the reference section of a volume",
		Long: `Designate the reference section of a volume.

Every transform of the volume is relative to the reference, so all of them are
recomputed on the next run.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			indices, err := parseIndices(args[1:])
			if err != nil {
				return err
			}
			return withOrchestrator(cmd, func(o *pipeline.Orchestrator, _ *stores) error {
				if err := o.SetReference(cmd.Context(), args[0], indices[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Section %d is now the reference of %s\n", indices[0], args[0])
				return nil
			})
		},
	}
}

func newInitConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write a configuration file with the default settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString(configFlag)
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", path)
			return nil
		},
	}
}

func parseIndices(args []string) ([]int, error) {
	out := make([]int, 0, len(args))
	for _, a := range args {
		idx, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("invalid section index %q", a)
		}
		out = append(out, idx)
	}
	return out, nil
}

// withOrchestrator runs fn against an orchestrator without an ingestion
// source; administrative actions only touch stored progress.
func withOrchestrator(cmd *cobra.Command, fn func(*pipeline.Orchestrator, *stores) error) error {
	s, err := openStores(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	o, err := pipeline.New(pipeline.Options{
		Config:    s.cfg,
		Source:    &ingest.Manifest{},
		Store:     s.db,
		Artifacts: s.artifacts,
		Chunks:    s.chunks,
		Logger:    s.log,
	})
	if err != nil {
		return err
	}
	defer o.Close()
	return fn(o, s)
}
