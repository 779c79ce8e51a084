package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"arsynth/internal/pipeline"
	"arsynth/internal/trace"
)

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stage of the skeleton and of every instrument",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			s, err := openSession(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.status(cmd.OutOrStdout())
		},
	}
}

func (s *session) status(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCOPE\tSTAGE\tCOMPLETED\tFAILED")

	sk := s.skeletonTracker()
	cur, err := sk.Current()
	if err != nil {
		return err
	}
	completed, failed := "-", "-"
	if cur != pipeline.SkeletonMachine.Initial() {
		rec, _, err := sk.Record(cur)
		if err != nil {
			return err
		}
		completed, failed = fmt.Sprint(len(rec.Completed)), fmt.Sprint(len(rec.Failed))
	}
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", pipeline.SkeletonScope, cur, completed, failed)

	o, err := s.observer(trace.NopSink{})
	if err != nil {
		return err
	}
	for _, inst := range o.Instruments() {
		st, err := o.State(inst.Name())
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t-\t-\n", pipeline.ObserverScope(inst.Name()), st)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	ionized, err := s.rows.IonizationIDs()
	if err != nil {
		return err
	}
	emitted, err := s.rows.EmissionIDs()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nrows: %d of %d strands ionized, %d emitted\n", len(ionized), s.skeleton.Len(), len(emitted))

	run, ok, err := s.store.LatestRun()
	if err != nil || !ok {
		return err
	}
	failures, err := s.store.LoadFailures(run.RunID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nlast run %s (%s): %s, %d failures\n", run.RunID, run.Command, run.Status, len(failures))
	for _, f := range failures {
		unit := "-"
		if f.Unit != nil {
			unit = *f.Unit
		}
		fmt.Fprintf(w, "  %s %s %s: %s\n", f.Stage, unit, f.FailureClass, f.ErrorMessage)
	}
	return nil
}
