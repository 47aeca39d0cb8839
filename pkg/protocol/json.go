package protocol

import (
	json "github.com/goccy/go-json"
)

// JSONCodec encodes and decodes JSON fields. The wire format treats JSON
// as opaque bytes, so any compatible implementation can be plugged in.
type JSONCodec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type goccyJSON struct{}

func (goccyJSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (goccyJSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// DefaultJSON is the codec used by new builders and readers
var DefaultJSON JSONCodec = goccyJSON{}
