package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/dissect/internal/dcerpc"
	"firestige.xyz/dissect/internal/plugin"
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List registered interfaces, security providers and plugins",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("failed to load config", err)
		}
		reg, mgr, err := setup(cfg)
		if err != nil {
			exitWithError("failed to set up", err)
		}
		runInterfaces(reg, mgr.GetAllStatuses(), cmd.OutOrStdout())
	},
}

func runInterfaces(reg *dcerpc.Registry, statuses []plugin.Status, out io.Writer) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INTERFACE\tUUID\tVERSION\tOPERATIONS")
	for _, i := range reg.Interfaces() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", i.Name, i.UUID, i.Version, len(i.Operations))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "AUTH TYPE\tLEVEL\tHANDLER")
	for _, a := range reg.AuthHandlers() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.Type, a.Level, a.Handler.Name)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "PLUGIN\tTYPE\tSTATE\tMODULE")
	for _, s := range statuses {
		state := string(s.State)
		if s.Error != "" {
			state += " (" + s.Error + ")"
		}
		module := s.Module
		if module == "" {
			module = "builtin"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Type, state, module)
	}
	w.Flush()
}
