package main

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"math"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"histostack/internal/models"
	"histostack/pkg/storage"
)

const (
	transformsFlag = "transforms"
	pairsFlag      = "pairs"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [volume]",
		Short: "Show section progress, optionally exporting transforms as CSV",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}

	flags := cmd.Flags()
	flags.String(transformsFlag, "", "write the absolute section transforms of the volume to this CSV file")
	flags.String(pairsFlag, "", "write the section-to-section transforms of the volume to this CSV file")

	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := openStores(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		vols, err := s.db.ListVolumes(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VOLUME\tSECTIONS\tREFERENCE\tCANVAS\tLEVELS")
		for _, v := range vols {
			fmt.Fprintf(w, "%s\t%d\t%d\t%dx%d\t%d\n", v.ID, v.Depth, v.ReferenceIndex, v.Width, v.Height, v.Levels)
		}
		return w.Flush()
	}

	id := args[0]
	if _, err := s.db.GetVolume(ctx, id); err != nil {
		return fmt.Errorf("volume %s: %w", id, err)
	}
	secs, err := s.db.ListSections(ctx, id)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SECTION\tSTATUS\tREASON\tCONFIDENCE\tSIZE\tUPDATED")
	for _, sec := range secs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.3f\t%dx%d\t%s\n",
			sec.OrderIndex, sec.Status, sec.Reason, sec.MaskConfidence, sec.Width, sec.Height,
			sec.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	flags := cmd.Flags()
	if path, _ := flags.GetString(transformsFlag); path != "" {
		if err := writeCSV(path, func(cw *csv.Writer) error { return transformRows(cw, secs) }); err != nil {
			return err
		}
		fmt.Fprintf(out, "Transforms written to %s\n", path)
	}
	if path, _ := flags.GetString(pairsFlag); path != "" {
		pairs, err := s.db.ListPairs(ctx, id)
		if err != nil {
			return err
		}
		if err := writeCSV(path, func(cw *csv.Writer) error { return pairRows(cw, pairs) }); err != nil {
			return err
		}
		fmt.Fprintf(out, "Pair transforms written to %s\n", path)
	}
	return nil
}

func writeCSV(path string, rows func(*csv.Writer) error) error {
	data, err := renderCSV(rows)
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(path, data)
}

func renderCSV(rows func(*csv.Writer) error) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := rows(cw); err != nil {
		return nil, err
	}
	cw.Flush()
	return buf.Bytes(), cw.Error()
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func transformRows(cw *csv.Writer, secs []models.Section) error {
	if err := cw.Write([]string{"section", "status", "unaligned", "a", "b", "c", "d", "e", "f"}); err != nil {
		return err
	}
	for _, sec := range secs {
		if sec.Transform == nil {
			continue
		}
		t := *sec.Transform
		row := []string{strconv.Itoa(sec.OrderIndex), string(sec.Status), strconv.FormatBool(sec.Unaligned)}
		for _, v := range t {
			row = append(row, ftoa(v))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func pairRows(cw *csv.Writer, pairs []models.PairResult) error {
	header := []string{"from", "to", "kind", "a", "b", "c", "d", "e", "f", "rotation_deg", "overlap", "confidence", "failed"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, p := range pairs {
		row := []string{strconv.Itoa(p.From), strconv.Itoa(p.To), string(p.Kind)}
		for _, v := range p.Transform {
			row = append(row, ftoa(v))
		}
		row = append(row,
			ftoa(p.Transform.Rotation()*180/math.Pi),
			ftoa(p.Overlap), ftoa(p.Confidence), strconv.FormatBool(p.Failed))
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}
