package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gogpu/collatz"
	"github.com/gogpu/collatz/internal/selector"
)

func newDevicesCmd(f *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List devices with their score or rejection reason",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			inst, err := collatz.OpenInstance(&cfg, collatz.Logger())
			if err != nil {
				return err
			}
			defer inst.Destroy()
			infos, err := inst.Devices()
			if err != nil {
				return err
			}
			opts := collatz.SessionOptions(&cfg, collatz.Logger()).Selector
			sel, cands, selErr := selector.Select(infos, opts)
			chosen := -1
			if selErr == nil {
				chosen = sel.Info.Index
			}
			if err := printDevices(cmd.OutOrStdout(), cands, chosen); err != nil {
				return err
			}
			if selErr != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "no device selected: %v\n", selErr)
			}
			return nil
		},
	}
}

// printDevices writes one row per candidate. The chosen device is marked
// with an asterisk; a negative chosen marks none.
func printDevices(w io.Writer, cands []selector.Candidate, chosen int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tINDEX\tNAME\tTYPE\tAPI\tSCORE")
	for _, c := range cands {
		mark := ""
		if c.Info.Index == chosen {
			mark = "*"
		}
		score := fmt.Sprint(c.Score)
		if !c.Qualified() {
			score = "rejected: " + c.Rejected
		}
		a := selector.AdapterSummary(c.Info.Adapter)
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", mark, c.Info.Index, a.Name, a.Type.String(), c.Info.APIVersion.String(), score)
	}
	if len(cands) == 0 {
		fmt.Fprintln(tw, "\t-\tno devices\t\t\t")
	}
	return tw.Flush()
}
