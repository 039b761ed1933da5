package envelope

import "github.com/vmihailenco/msgpack/v5"

// MsgpackCodec encodes/decodes envelopes as MessagePack. Denser than
// JSON on the wire; both ends must agree on the codec.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(env *Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func (c *MsgpackCodec) Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }
