package mediawiki

import (
	"bytes"
	"encoding/json"
	"io"

	"gitlab.com/tozd/go/errors"
)

func UnmarshalWithoutUnknownFields(data []byte, v interface{}) errors.E {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	err := decoder.Decode(v)
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// DecodeJSON decodes a single JSON value from r permissively (unknown fields allowed), used for
// action-API responses this module only partially models (e.g. the login handshake).
func DecodeJSON(r io.Reader, v interface{}) errors.E {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
