package main

import (
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/xmidt-org/talaria/sensorlink/internal/harvest"
)

var (
	drainStopAfter bool
	drainJSON      bool
)

var drainCmd = &cobra.Command{
	Use:   "drain <identifier>",
	Short: "Recover a retained node and print its log",
	Long: `Recovers the node retained under <identifier> on the peripheral and reads
its log back. Entries are consumed on the peripheral; logging continues
unless --stop-after is given.

Examples:
  sensorlink drain door-presses
  sensorlink drain door-presses --stop-after --json`,
	Args: cobra.ExactArgs(1),
	RunE: runDrain,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear every filter, trigger entry and logger on the peripheral",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := newLink().connect(ctx, nil, nil)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.Reset(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "peripheral reset")
		return nil
	},
}

func init() {
	drainCmd.Flags().BoolVar(&drainStopAfter, "stop-after", false, "stop logging once the log is read")
	drainCmd.Flags().BoolVar(&drainJSON, "json", false, "print the result as JSON")
}

func runDrain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	defs, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer defs.Close()
	s, err := newLink().connect(ctx, defs, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := harvest.Drain(ctx, s, args[0], drainStopAfter)
	if err != nil {
		return err
	}
	glog.V(1).Infof("drain %s of %q finished\n", res.ID, args[0])

	out := cmd.OutOrStdout()
	if drainJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	for _, e := range res.Entries {
		fmt.Fprintf(out, "%10d  %v\n", e.Tick, e.Payload)
	}
	if res.DecodeErrors > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d entries could not be decoded\n", res.DecodeErrors, res.Total)
	}
	return nil
}
