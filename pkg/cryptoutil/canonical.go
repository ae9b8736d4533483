package cryptoutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
)

// ErrFloatInPayload is returned when a value to be canonicalized contains
// a JSON number that cannot be represented as an exact integer. Signed
// payloads in the authority kernel never carry floating point amounts;
// money is always Money{MinorUnits, Currency}.
var ErrFloatInPayload = errors.New("cryptoutil: floating point number in signed payload")

// CanonicalJSON renders v as canonical JSON in the style of RFC 8785
// (JSON Canonicalization Scheme): object keys sorted by their UTF-8 byte
// order, no insignificant whitespace, and no HTML escaping. It additionally
// rejects any JSON number that is not an exact integer, since this
// kernel never signs floating point amounts.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("cryptoutil: decode for canonicalization: %w", err)
	}
	var buf bytes.Buffer
	if err := canonicalize(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalize(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		return canonicalizeNumber(buf, val)
	case string:
		return canonicalizeString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalize(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalizeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := canonicalize(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("cryptoutil: unsupported type %T in canonical payload", v)
	}
	return nil
}

func canonicalizeNumber(buf *bytes.Buffer, n json.Number) error {
	i, ok := new(big.Int).SetString(n.String(), 10)
	if !ok {
		return fmt.Errorf("%w: %s", ErrFloatInPayload, n.String())
	}
	buf.WriteString(i.String())
	return nil
}

func canonicalizeString(buf *bytes.Buffer, s string) error {
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(out.Bytes(), []byte("\n")))
	return nil
}
