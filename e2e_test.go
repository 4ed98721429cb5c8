package grpc_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	grpc "github.com/c-ryan747/grpclib"
	"github.com/c-ryan747/grpclib/codes"
	"github.com/c-ryan747/grpclib/examples/helloworld"
	"github.com/c-ryan747/grpclib/status"
)

type greeterServer struct{}

func (greeterServer) SayHello(_ context.Context, req *helloworld.HelloRequest) (*helloworld.HelloReply, error) {
	return &helloworld.HelloReply{Message: "Hello, " + req.Name + "!"}, nil
}

func (greeterServer) SayHelloStream(req *helloworld.HelloRequest, stream helloworld.GreeterSayHelloStreamServer) error {
	if err := stream.Send(&helloworld.HelloReply{Message: "Hello, " + req.Name + "!"}); err != nil {
		return err
	}
	return stream.Send(&helloworld.HelloReply{Message: "Goodbye, " + req.Name + "!"})
}

func (greeterServer) SayHelloClientStream(stream helloworld.GreeterSayHelloClientStreamServer) error {
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
	msg := "Hello"
	for i, n := range names {
		if i == 0 {
			msg += ", " + n
		} else {
			msg += " and " + n
		}
	}
	return stream.SendAndClose(&helloworld.HelloReply{Message: msg + "!"})
}

func (greeterServer) SayHelloBidiStream(stream helloworld.GreeterSayHelloBidiStreamServer) error {
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

// startTestServer listens on an ephemeral loopback port and registers a
// Greeter, returning a dial target and a teardown func.
func startTestServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := grpc.NewServer()
	helloworld.RegisterGreeterServer(s, greeterServer{})

	go func() {
		_ = s.Serve(lis)
	}()

	return lis.Addr().String(), s.Stop
}

func dialTestClient(t *testing.T, addr string) *grpc.ClientConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cc, err := grpc.DialContext(ctx, addr, grpc.WithInsecure(), grpc.WithBlock())
	require.NoError(t, err)
	return cc
}

func TestUnaryCallRoundTrip(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	cc := dialTestClient(t, addr)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := helloworld.NewGreeterClient(cc)
	reply, err := client.SayHello(ctx, &helloworld.HelloRequest{Name: "World"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, World!", reply.Message)
}

func TestServerStreamingCallRoundTrip(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	cc := dialTestClient(t, addr)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := helloworld.NewGreeterClient(cc)
	stream, err := client.SayHelloStream(ctx, &helloworld.HelloRequest{Name: "Ada"})
	require.NoError(t, err)

	var messages []string
	for {
		reply, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		messages = append(messages, reply.Message)
	}
	assert.Equal(t, []string{"Hello, Ada!", "Goodbye, Ada!"}, messages)
}

func TestClientStreamingCallRoundTrip(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	cc := dialTestClient(t, addr)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := helloworld.NewGreeterClient(cc)
	stream, err := client.SayHelloClientStream(ctx)
	require.NoError(t, err)

	for _, name := range []string{"Ada", "Grace"} {
		require.NoError(t, stream.Send(&helloworld.HelloRequest{Name: name}))
	}
	reply, err := stream.CloseAndRecv()
	require.NoError(t, err)
	assert.Equal(t, "Hello, Ada and Grace!", reply.Message)
}

func TestBidiStreamingCallRoundTrip(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	cc := dialTestClient(t, addr)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := helloworld.NewGreeterClient(cc)
	stream, err := client.SayHelloBidiStream(ctx)
	require.NoError(t, err)

	require.NoError(t, stream.Send(&helloworld.HelloRequest{Name: "Ada"}))
	reply, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "Hello, Ada!", reply.Message)

	require.NoError(t, stream.CloseSend())
	final, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "Goodbye, all!", final.Message)
}

func TestUnaryCallAgainstUnknownMethodIsUnimplemented(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	cc := dialTestClient(t, addr)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out helloworld.HelloReply
	err := cc.Invoke(ctx, "/helloworld.Greeter/DoesNotExist", &helloworld.HelloRequest{Name: "x"}, &out)
	require.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}
