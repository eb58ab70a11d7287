package submit

import (
	"bytes"
	"encoding/json"
	"errors"
)

// ErrMissingIdentifier means the backend accepted the request but its response
// did not carry a ride id in a known shape.
var ErrMissingIdentifier = errors.New("submit: response carried no ride identifier")

// NormalizeID extracts the ride id from a create response. Only a bare integer
// or an object with an integer "id" or "rideId" is accepted.
func NormalizeID(raw json.RawMessage) (int64, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, ErrMissingIdentifier
	}
	switch t := v.(type) {
	case json.Number:
		return numberID(t)
	case map[string]any:
		for _, k := range []string{"id", "rideId"} {
			if n, ok := t[k].(json.Number); ok {
				return numberID(n)
			}
		}
	}
	return 0, ErrMissingIdentifier
}

func numberID(n json.Number) (int64, error) {
	id, err := n.Int64()
	if err != nil {
		return 0, ErrMissingIdentifier
	}
	return id, nil
}
