package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	grpc "github.com/c-ryan747/grpclib"
	"github.com/c-ryan747/grpclib/examples/helloworld"
)

// NewSayHelloCommand builds the "say-hello" subcommand: a single unary
// call against a running Greeter server.
func NewSayHelloCommand() *cobra.Command {
	var addr, name string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "say-hello",
		Short: "Make a single unary SayHello call",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			cc, err := grpc.DialContext(ctx, addr, grpc.WithInsecure(), grpc.WithBlock())
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer cc.Close()

			client := helloworld.NewGreeterClient(cc)
			reply, err := client.SayHello(ctx, &helloworld.HelloRequest{Name: name})
			if err != nil {
				return fmt.Errorf("SayHello: %w", err)
			}
			fmt.Println(reply.Message)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:50051", "server address")
	cmd.Flags().StringVar(&name, "name", "World", "name to greet")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "call deadline")
	return cmd
}
