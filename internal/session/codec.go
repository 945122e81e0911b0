package session

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes session records on disk.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	// Ext is the file extension, including the dot.
	Ext() string
}

// CodecFor returns the codec registered under name ("json" or "cbor").
func CodecFor(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown store encoding %q", name)
	}
}

// JSONCodec writes indented JSON, readable by hand.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.MarshalIndent(v, "", "  ") }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Ext() string                        { return ".json" }

// cborEnc keeps nanosecond timestamps; the default mode truncates to seconds.
var cborEnc = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// CBORCodec writes compact CBOR. Field names follow the json struct tags.
type CBORCodec struct{}

func (CBORCodec) Marshal(v any) ([]byte, error)      { return cborEnc.Marshal(v) }
func (CBORCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }
func (CBORCodec) Ext() string                        { return ".cbor" }
