// Package proto defines the protobuf codec. Importing this package will
// register it as the "proto" content-subtype codec, the default codec used
// by grpclib when the application does not register another one.
package proto

import (
	"fmt"

	"github.com/c-ryan747/grpclib/encoding"
	"google.golang.org/protobuf/proto"
)

// Name is the name registered for the proto codec.
const Name = "proto"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec is a Codec implementation with protobuf. It is the default codec
// for grpclib.
type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	vv, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto: failed to marshal, message is %T, want proto.Message", v)
	}
	return proto.Marshal(vv)
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	vv, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("proto: failed to unmarshal, message is %T, want proto.Message", v)
	}
	return proto.Unmarshal(data, vv)
}

func (codec) Name() string {
	return Name
}
