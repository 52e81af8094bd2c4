package models

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
)

// maxSafeInteger is the largest integer a float64 holds exactly (2^53-1).
var maxSafeInteger = big.NewInt(1<<53 - 1)

// Payload is a marketplace response object decoded with json.Number so that
// integers keep their exact digits until Normalize decides how to emit them.
type Payload map[string]interface{}

func DecodePayload(r io.Reader) (Payload, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	return p, nil
}

// String returns the value under key as text, or "" when absent.
func (p Payload) String(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Object returns the nested object under key, or nil.
func (p Payload) Object(key string) Payload {
	switch v := p[key].(type) {
	case Payload:
		return v
	case map[string]interface{}:
		return Payload(v)
	default:
		return nil
	}
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return json.Marshal(Normalize(map[string]interface{}(p)))
}

// Normalize walks v and converts integers outside the exactly-representable
// float64 range to decimal strings. Other values are returned unchanged.
func Normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		return normalizeNumber(t)
	case Payload:
		return Normalize(map[string]interface{}(t))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for key, value := range t {
			out[key] = Normalize(value)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, value := range t {
			out[i] = Normalize(value)
		}
		return out
	case *big.Int:
		if t == nil {
			return nil
		}
		return t.String()
	default:
		return v
	}
}

func normalizeNumber(n json.Number) interface{} {
	i, ok := new(big.Int).SetString(n.String(), 10)
	if !ok {
		return n
	}
	if new(big.Int).Abs(i).Cmp(maxSafeInteger) > 0 {
		return i.String()
	}
	return n
}
