package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"histostack/pkg/visualization"
)

const (
	levelFlag = "level"
	axesFlag  = "axes"
)

func newSlicesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slices <volume> <dir>",
		Short: "Extract JPEG slices along the volume axes from a built pyramid",
		Args:  cobra.ExactArgs(2),
		RunE:  runSlices,
	}

	flags := cmd.Flags()
	flags.Int(levelFlag, 0, "pyramid level to read")
	flags.StringSlice(axesFlag, []string{"x", "y", "z"}, "axes to slice along")

	return cmd
}

func runSlices(cmd *cobra.Command, args []string) error {
	s, err := openStores(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	flags := cmd.Flags()
	level, _ := flags.GetInt(levelFlag)
	axes, _ := flags.GetStringSlice(axesFlag)

	viewer, err := visualization.NewViewer(cmd.Context(), s.chunks, args[0], s.cfg.Pyramid.Compression)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Extracting slices along the volume axes...")
	for _, axis := range axes {
		axisDir := filepath.Join(args[1], axis)
		fmt.Fprintf(out, "Saving %s-axis slices to: %s\n", axis, axisDir)
		if err := viewer.SaveSliceSequence(cmd.Context(), level, axis, axisDir); err != nil {
			return fmt.Errorf("%s-axis slices: %w", axis, err)
		}
	}
	fmt.Fprintln(out, "Slice extraction completed!")
	return nil
}
