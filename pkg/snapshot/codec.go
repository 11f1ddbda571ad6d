package snapshot

import (
	"github.com/klauspost/compress/zstd"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
)

// Codec selects how a snapshot's section bodies are compressed: none
// (ephemeral stores, or callers that compress at a layer above) and
// zstd, a balanced default for throughput and ratio.
type Codec byte

const (
	CodecNone Codec = iota
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// DefaultCodec is the balanced default for new snapshots.
const DefaultCodec = CodecZstd

// encodeBody compresses body per codec.
func encodeBody(codec Codec, body []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return body, nil
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(body, nil), nil
	default:
		return nil, kv.InvalidInputError{Reason: "unknown snapshot codec"}
	}
}

// decodeBody decompresses body per codec.
func decodeBody(codec Codec, body []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return body, nil
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(body, nil)
	default:
		return nil, kv.InvalidInputError{Reason: "unknown snapshot codec"}
	}
}
