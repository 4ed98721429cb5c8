// Package insecure provides a no-op TransportCredentials implementation,
// used by clients and servers that do not perform TLS termination
// themselves (spec §6: "TLS termination performed by an external
// collaborator" — when none is configured, the raw net.Conn is used as-is).
package insecure

import (
	"net"

	"github.com/c-ryan747/grpclib/credentials"
	"golang.org/x/net/context"
)

// NewCredentials returns a TransportCredentials that disables transport
// security.
func NewCredentials() credentials.TransportCredentials {
	return insecureTC{}
}

type insecureTC struct{}

func (insecureTC) ClientHandshake(ctx context.Context, _ string, conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	return conn, info{}, nil
}

func (insecureTC) ServerHandshake(conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	return conn, info{}, nil
}

func (insecureTC) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{SecurityProtocol: "insecure"}
}

func (insecureTC) Clone() credentials.TransportCredentials {
	return insecureTC{}
}

func (insecureTC) OverrideServerName(string) error {
	return nil
}

type info struct{}

func (info) AuthType() string { return "insecure" }
