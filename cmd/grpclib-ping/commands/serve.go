package commands

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/spf13/cobra"

	grpc "github.com/c-ryan747/grpclib"
	"github.com/c-ryan747/grpclib/examples/helloworld"
	"github.com/c-ryan747/grpclib/internal/grpclog"
)

type greeter struct{}

func (greeter) SayHello(_ context.Context, req *helloworld.HelloRequest) (*helloworld.HelloReply, error) {
	return &helloworld.HelloReply{Message: "Hello, " + req.Name + "!"}, nil
}

func (greeter) SayHelloStream(req *helloworld.HelloRequest, stream helloworld.GreeterSayHelloStreamServer) error {
	if err := stream.Send(&helloworld.HelloReply{Message: "Hello, " + req.Name + "!"}); err != nil {
		return err
	}
	return stream.Send(&helloworld.HelloReply{Message: "Goodbye, " + req.Name + "!"})
}

func (greeter) SayHelloClientStream(stream helloworld.GreeterSayHelloClientStreamServer) error {
	var names []string
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		names = append(names, req.Name)
	}
	message := "Hello"
	for i, n := range names {
		if i == 0 {
			message += ", " + n
		} else {
			message += " and " + n
		}
	}
	return stream.SendAndClose(&helloworld.HelloReply{Message: message + "!"})
}

func (greeter) SayHelloBidiStream(stream helloworld.GreeterSayHelloBidiStreamServer) error {
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := stream.Send(&helloworld.HelloReply{Message: "Hello, " + req.Name + "!"}); err != nil {
			return err
		}
	}
	return stream.Send(&helloworld.HelloReply{Message: "Goodbye, all!"})
}

// NewServeCommand builds the "serve" subcommand: a throwaway Greeter
// server for the other grpclib-ping subcommands to dial into.
func NewServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a throwaway Greeter server for manual testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			s := grpc.NewServer()
			helloworld.RegisterGreeterServer(s, greeter{})
			grpclog.Infof("grpclib-ping: serving Greeter on %s", addr)
			return s.Serve(lis)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:50051", "address to listen on")
	return cmd
}
