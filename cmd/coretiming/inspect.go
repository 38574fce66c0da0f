package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/sarchlab/coretiming/datarecording"
	"github.com/sarchlab/coretiming/sim/serialization"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [file]",
	Short: "Print a recording or a save-state.",
	Long: "`inspect trace.sqlite3` lists the recorded fired events. " +
		"`inspect state.json` prints the clock and the pending events of a " +
		"save-state.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		if strings.HasSuffix(path, ".sqlite3") {
			typeName, _ := cmd.Flags().GetString("type")
			limit, _ := cmd.Flags().GetInt("limit")

			return inspectRecording(cmd.OutOrStdout(), path, typeName, limit)
		}

		return inspectSaveState(cmd.OutOrStdout(), path)
	},
}

func init() {
	inspectCmd.Flags().String("type", "", "Only list events of this type")
	inspectCmd.Flags().Int("limit", 50, "Maximum number of events to list")

	rootCmd.AddCommand(inspectCmd)
}

func inspectRecording(w io.Writer, path, typeName string, limit int) error {
	reader, err := datarecording.OpenEventReader(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	ctx := context.Background()

	props, err := reader.ExecInfo(ctx)
	if err != nil {
		return err
	}

	for _, p := range props {
		fmt.Fprintf(w, "%-18s %s\n", p.Property+":", p.Value)
	}

	fmt.Fprintln(w)

	events, total, err := reader.Query(ctx, datarecording.EventQuery{
		TypeName: typeName,
		Limit:    limit,
	})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSEQ\tTYPE\tPAYLOAD\tLATE")

	for _, e := range events {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%#x\t%d\n",
			e.Time, e.Sequence, e.TypeName, e.Payload, e.Lateness)
	}

	err = tw.Flush()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%d of %d events\n", len(events), total)

	if typeName != "" {
		return nil
	}

	counts, err := reader.TypeCounts(ctx)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		fmt.Fprintf(w, "  %s: %d\n", name, counts[name])
	}

	return nil
}

func inspectSaveState(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	snap, err := serialization.Decode(f, serialization.CodecForPath(path))
	if err != nil {
		return err
	}

	c := snap.Clock
	fmt.Fprintf(w, "global timer:  %d\n", c.GlobalTimer)
	fmt.Fprintf(w, "slice:         %d (length %d, downcount %d)\n",
		c.Slice, c.SliceLength, snap.Downcount)
	fmt.Fprintf(w, "idled cycles:  %d\n", c.IdledCycles)
	fmt.Fprintf(w, "decrementer:   %#x at %d\n",
		c.Fake.DecStartValue, c.Fake.DecStartTicks)
	fmt.Fprintf(w, "timebase:      %#x at %d\n",
		c.Fake.TBStartValue, c.Fake.TBStartTicks)
	fmt.Fprintf(w, "next sequence: %d\n\n", snap.NextSequence)

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSEQ\tTYPE\tPAYLOAD")

	for _, e := range snap.Events {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%#x\n",
			e.Time, e.Sequence, e.TypeName, e.Payload)
	}

	return tw.Flush()
}
