// Command grpclib-ping is a small diagnostic client for exercising a
// running grpclib server by hand during development. It is not part of
// the library's public API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/c-ryan747/grpclib/cmd/grpclib-ping/commands"
)

func main() {
	root := &cobra.Command{
		Use:   "grpclib-ping",
		Short: "Diagnostic client for grpclib servers",
		Long: `grpclib-ping dials a grpclib server and drives it through the
Greeter example service, printing the message of each reply it
receives.`,
	}

	root.AddCommand(
		commands.NewSayHelloCommand(),
		commands.NewStreamCommand(),
		commands.NewServeCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "grpclib-ping: %v\n", err)
		os.Exit(1)
	}
}
