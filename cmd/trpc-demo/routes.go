package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/spf13/cobra"

	"github.com/marrasen/trpc"
	"github.com/marrasen/trpc/example"
)

var (
	routesJSON bool
	routesLoad bool
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "List the procedures of the example router",
	RunE:  runRoutes,
}

func init() {
	rootCmd.AddCommand(routesCmd)
	routesCmd.Flags().BoolVar(&routesJSON, "json", false, "print as JSON")
	routesCmd.Flags().BoolVar(&routesLoad, "load", false, "load lazy sub-routers before listing")
}

func runRoutes(cmd *cobra.Command, args []string) error {
	app, err := example.New()
	if err != nil {
		return err
	}
	if routesLoad {
		for _, prefix := range app.Router.LazyPaths() {
			// Any path under the prefix triggers the load.
			if _, err := app.Router.Resolve(cmd.Context(), prefix+"._"); err != nil {
				if e := trpc.FromError(err); e.Code != trpc.CodeNotFound {
					return err
				}
			}
		}
	}

	procs := trpc.Describe(app.Router)
	if routesJSON {
		if err := json.MarshalWrite(os.Stdout, procs, jsontext.WithIndent("  ")); err != nil {
			return err
		}
		_, err := fmt.Fprintln(os.Stdout)
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tTYPE\tINPUT\tOUTPUT")
	for _, p := range procs {
		in := p.InputType
		if in == "" {
			in = p.InputShape
		}
		if in == "" {
			in = "-"
		}
		out := p.OutputType
		if out == "" {
			out = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Path, p.Type, in, out)
	}
	for _, prefix := range app.Router.LazyPaths() {
		fmt.Fprintf(w, "%s.*\t(lazy)\t\t\n", prefix)
	}
	return w.Flush()
}
