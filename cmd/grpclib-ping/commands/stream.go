package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	grpc "github.com/c-ryan747/grpclib"
	"github.com/c-ryan747/grpclib/examples/helloworld"
)

// NewStreamCommand builds the "stream" subcommand: a UNARY_STREAM call
// against a running Greeter server, printing every reply as it arrives.
func NewStreamCommand() *cobra.Command {
	var addr, name string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Make a SayHelloStream call and print each reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			cc, err := grpc.DialContext(ctx, addr, grpc.WithInsecure(), grpc.WithBlock())
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer cc.Close()

			client := helloworld.NewGreeterClient(cc)
			stream, err := client.SayHelloStream(ctx, &helloworld.HelloRequest{Name: name})
			if err != nil {
				return fmt.Errorf("SayHelloStream: %w", err)
			}
			for {
				reply, err := stream.Recv()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Println(reply.Message)
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:50051", "server address")
	cmd.Flags().StringVar(&name, "name", "World", "name to greet")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "call deadline")
	return cmd
}
