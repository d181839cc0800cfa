// Command trpc-demo serves and inspects the example procedure router.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "trpc-demo",
	Short: "Typed procedure router over HTTP and WebSocket",
	Long: `trpc-demo runs the example router.

  trpc-demo serve                      # start the HTTP/WebSocket server
  trpc-demo routes                     # list procedures
  trpc-demo call greeting '{"name":"x"}'  # invoke a procedure in-process`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "trpc.yaml", "config file path")
}
