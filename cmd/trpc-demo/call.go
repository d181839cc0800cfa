package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/marrasen/trpc"
	"github.com/marrasen/trpc/example"
)

var (
	callUser    string
	callTimeout time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <path> [input-json]",
	Short: "Invoke a procedure in-process",
	Long: `Invoke a procedure of the example router without starting a server.

Subscriptions print one line per value until they complete or --timeout
expires.

Examples:
  trpc-demo call greeting '{"name":"ada"}'
  trpc-demo call posts.create '{"title":"hi"}' --user ada
  trpc-demo call tick '{"count":3}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringVar(&callUser, "user", "", "authenticate as user")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "call timeout")
}

func runCall(cmd *cobra.Command, args []string) error {
	var input any
	if len(args) == 2 {
		if !gjson.Valid(args[1]) {
			return fmt.Errorf("input is not valid JSON")
		}
		input = trpc.RawInput(jsontext.Value(args[1]))
	}

	app, err := example.New()
	if err != nil {
		return err
	}
	caller, err := trpc.NewCaller(trpc.CallerOptions{
		Router:        app.Router,
		CreateContext: example.CreateContext,
	})
	if err != nil {
		return err
	}

	info := &trpc.RequestInfo{Transport: "local", Header: http.Header{}}
	if callUser != "" {
		info.Header.Set("Authorization", "Bearer "+callUser)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()

	resp := caller.Call(ctx, trpc.Request{Path: args[0], Input: input, Info: info})
	if resp.Shape != nil {
		printJSON(resp.Shape)
		return fmt.Errorf("call failed: %s", resp.Shape.Message)
	}
	if s, ok := resp.Result.Data.(trpc.Stream); ok {
		return trpc.Drain(ctx, s, func(v any) error {
			if err := json.MarshalWrite(os.Stdout, v); err != nil {
				return err
			}
			_, err := fmt.Fprintln(os.Stdout)
			return err
		})
	}
	return printJSON(resp.Result.Data)
}

func printJSON(v any) error {
	if err := json.MarshalWrite(os.Stdout, v, jsontext.WithIndent("  ")); err != nil {
		return err
	}
	_, err := fmt.Fprintln(os.Stdout)
	return err
}
