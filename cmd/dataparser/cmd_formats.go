package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dataparser/dataparser/internal/apperr"
)

func (a *app) newFormatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "List the available format tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				a.exitCode = apperr.ExitInvalid
				return err
			}
			reg, _, err := a.loadRegistry(cmd, cfg)
			if err != nil {
				a.exitCode = apperr.ExitInvalid
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tFRAMING\tFIELDS\tEXTENSIONS\tSOURCE\tDESCRIPTION")
			for _, s := range reg.List() {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
					s.Name, s.Framing.Kind, len(s.Fields), strings.Join(s.Extensions, ","), s.Source, s.Description)
			}
			return tw.Flush()
		},
	}
}
