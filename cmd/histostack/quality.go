package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"histostack/internal/models"
	"histostack/pkg/imaging"
	"histostack/pkg/quality"
	"histostack/pkg/storage"
)

const csvFlag = "csv"

func newQualityCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quality <volume>",
		Short: "Measure the agreement of consecutive aligned sections",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuality,
	}
	cmd.Flags().String(csvFlag, "", "also write the metrics to this CSV file")
	return cmd
}

func runQuality(cmd *cobra.Command, args []string) error {
	s, err := openStores(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()
	id := args[0]

	secs, err := s.db.ListSections(ctx, id)
	if err != nil {
		return err
	}
	var orders []int
	for _, sec := range secs {
		if sec.Status != models.StatusFailed && sec.Status.AtLeast(models.StatusResampled) {
			orders = append(orders, sec.OrderIndex)
		}
	}

	pairs, err := quality.Assess(ctx, orders, func(ctx context.Context, order int) (*imaging.Gray, error) {
		data, err := s.artifacts.Get(ctx, id, storage.KindAligned, order)
		if err != nil {
			return nil, err
		}
		return imaging.DecodeGray(data)
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Continuity metrics for %s (%d aligned sections):\n", id, len(orders))
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FROM\tTO\tMI\tENTROPY DIFF\tRMSE\tSSIM\tOVERLAP")
	for _, p := range pairs {
		fmt.Fprintf(w, "%d\t%d\t%.3f\t%.3f\t%.6f\t%.3f\t%.3f\n", p.From, p.To, p.MI, p.EntropyDiff, p.RMSE, p.SSIM, p.Overlap)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if path, _ := cmd.Flags().GetString(csvFlag); path != "" {
		err := writeCSV(path, func(cw *csv.Writer) error {
			if err := cw.Write([]string{"from", "to", "mi", "entropy_diff", "rmse", "ssim", "overlap"}); err != nil {
				return err
			}
			for _, p := range pairs {
				row := []string{strconv.Itoa(p.From), strconv.Itoa(p.To),
					ftoa(p.MI), ftoa(p.EntropyDiff), ftoa(p.RMSE), ftoa(p.SSIM), ftoa(p.Overlap)}
				if err := cw.Write(row); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Metrics written to %s\n", path)
	}
	return nil
}
