// Package json registers a "json" content-subtype codec during init(). It
// exists for services whose messages are plain Go structs rather than
// protobuf-generated types — grpclib's codec interface is pluggable per
// spec §6, and JSON is the natural second choice alongside proto.
package json

import "github.com/c-ryan747/grpclib/encoding"

// Name is the name registered for the JSON codec.
const Name = "json"

func init() {
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	return marshal(v)
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	return unmarshal(data, v)
}

func (codec) Name() string {
	return Name
}
