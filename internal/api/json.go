package api

import (
	"bytes"
	"encoding/json"
	"io"
)

func DecodeJson(r io.Reader, v any) error {
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(v); err != nil {
		return err
	}

	return nil
}

// EncodeJson returns a reader over the json encoding of v.
// A nil v is sent as an empty object.
func EncodeJson(v any) (io.Reader, error) {
	if v == nil {
		v = struct{}{}
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return &buf, nil
}
