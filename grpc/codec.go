package grpc

import (
	"github.com/maxpert/flowmeta/encoding"
	grpcencoding "google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype of every flowmeta RPC
const CodecName = "msgpack"

// msgpackCodec carries messages in the same format the store uses
type msgpackCodec struct{}

func init() {
	grpcencoding.RegisterCodec(msgpackCodec{})
}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	return encoding.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return encoding.Unmarshal(data, v)
}

func (msgpackCodec) Name() string {
	return CodecName
}
