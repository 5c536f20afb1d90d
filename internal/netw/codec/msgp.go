package codec

import (
	"bytes"
	"fmt"

	"github.com/Allen1211/msgp/msgp"
)

// MsgpCodec plugs msgp-generated encoders into rpcx as a custom serialize
// type. Every RPC arg and reply type must be run through the msgp generator.
type MsgpCodec struct {
}

func (c *MsgpCodec) Decode(data []byte, i interface{}) error {
	d, ok := i.(msgp.Decodable)
	if !ok {
		return fmt.Errorf("msgp codec: %T is not decodable", i)
	}
	return msgp.Decode(bytes.NewReader(data), d)
}

func (c *MsgpCodec) Encode(i interface{}) ([]byte, error) {
	e, ok := i.(msgp.Encodable)
	if !ok {
		return nil, fmt.Errorf("msgp codec: %T is not encodable", i)
	}
	buf := new(bytes.Buffer)
	if err := msgp.Encode(buf, e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
