package raftpb

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// gobCodec implements grpc/encoding.Codec using encoding/gob. It is
// registered under the name "proto" (gRPC's default codec name) so that
// standard grpc.Dial/grpc.NewServer plumbing picks it up without either end
// having to opt into a non-default codec by name, and so no protoc/.proto
// toolchain is needed to generate wire types: the messages in this package
// are plain exported-field Go structs, which gob already knows how to
// encode. gRPC's framing, flow control, retries, and connection management
// are unaffected; only the payload serialization changes.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("raftpb: gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("raftpb: gob unmarshal: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(gobCodec{})
}
