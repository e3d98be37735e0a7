// package canonical produces deterministic JSON bytes for the analytics
// envelopes streamed to Kafka and archived to S3, so the same record always
// serializes to the same bytes regardless of map iteration order.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// MarshalCanonical returns deterministic JSON bytes for an arbitrary
// JSON-like value. Object keys are sorted lexicographically; array order is
// preserved; numbers keep their textual representation when decoded with
// UseNumber.
func MarshalCanonical(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalizeRaw re-encodes raw JSON bytes deterministically. Numbers are
// decoded with UseNumber so their textual form survives the round trip.
func CanonicalizeRaw(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode raw json: %w", err)
	}
	return MarshalCanonical(v)
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(vv.String())
	case float64:
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case string:
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, vv[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// Structs and other typed values: marshal, then re-decode with
		// UseNumber and encode recursively.
		b, err := json.Marshal(vv)
		if err != nil {
			return fmt.Errorf("canonical marshal fallback: %w", err)
		}
		canon, err := CanonicalizeRaw(b)
		if err != nil {
			return err
		}
		buf.Write(canon)
	}
	return nil
}
