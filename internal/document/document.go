// Package document defines the per-entity JSON document exchanged between the
// export engine, the hash cache, the storage backends and the verifier.
//
// A document is keyed by the 14-digit CNPJ and carries its canonical JSON bytes
// together with the content fingerprint used for change detection.
package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// IDLength is the fixed width of an entity identifier.
const IDLength = 14

// WrapperField is the column name the export queries emit the document under.
const WrapperField = "json_output"

// Document is one entity ready to be diffed and published.
type Document struct {
	ID          string
	JSON        []byte
	Fingerprint string
}

// Filename returns the published name for the document: {id}.json
func (d Document) Filename() string {
	return Filename(d.ID)
}

// Filename returns the published name for an entity id.
func Filename(id string) string {
	return id + ".json"
}

// New builds a Document from raw JSON, normalizing it and computing its fingerprint.
func New(id string, raw []byte) (Document, error) {
	norm, err := Normalize(raw)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, JSON: norm, Fingerprint: Fingerprint(norm)}, nil
}

// Fingerprint returns the xxhash64 of b as 16 lowercase hex characters.
func Fingerprint(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// ErrInvalidJSON is returned by Normalize when the input is not a single JSON value.
var ErrInvalidJSON = errors.New("invalid json document")

// Normalize re-emits raw as compact JSON. Runs of whitespace inside string
// values collapse to a single space and are trimmed; object key order and
// number literals are kept as written. Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var buf bytes.Buffer
	buf.Grow(len(raw))
	if err := writeValue(dec, &buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidJSON)
	}
	return buf.Bytes(), nil
}

func writeValue(dec *json.Decoder, buf *bytes.Buffer) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			buf.WriteByte('{')
			first := true
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return err
				}
				key, ok := keyTok.(string)
				if !ok {
					return fmt.Errorf("unexpected object key %v", keyTok)
				}
				if !first {
					buf.WriteByte(',')
				}
				first = false
				writeString(buf, key)
				buf.WriteByte(':')
				if err := writeValue(dec, buf); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil {
				return err
			}
			buf.WriteByte('}')
		case '[':
			buf.WriteByte('[')
			first := true
			for dec.More() {
				if !first {
					buf.WriteByte(',')
				}
				first = false
				if err := writeValue(dec, buf); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil {
				return err
			}
			buf.WriteByte(']')
		default:
			return fmt.Errorf("unexpected delimiter %v", v)
		}
	case string:
		writeString(buf, collapseSpace(v))
	case json.Number:
		buf.WriteString(v.String())
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case nil:
		buf.WriteString("null")
	default:
		return fmt.Errorf("unexpected token %T", tok)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// Encoding a string never fails.
	_ = enc.Encode(s)
	// Encoder appends a newline.
	buf.Truncate(buf.Len() - 1)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ParseLine extracts a document from one line of engine output. The line is
// either {"json_output": {...}} or the bare object; json_output may also hold
// the document as an encoded string. The id is the "cnpj" field of the
// document. ok is false for blank, malformed or id-less lines.
func ParseLine(line []byte) (Document, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Document{}, false
	}

	inner := line
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(line, &wrapper); err != nil {
		return Document{}, false
	}
	if raw, ok := wrapper[WrapperField]; ok {
		inner = bytes.TrimSpace(raw)
		if len(inner) > 0 && inner[0] == '"' {
			var s string
			if err := json.Unmarshal(inner, &s); err != nil {
				return Document{}, false
			}
			inner = []byte(s)
		}
	}

	var head struct {
		CNPJ string `json:"cnpj"`
	}
	if err := json.Unmarshal(inner, &head); err != nil || head.CNPJ == "" {
		return Document{}, false
	}

	doc, err := New(head.CNPJ, inner)
	if err != nil {
		return Document{}, false
	}
	return doc, true
}

// ShardOf returns the shard key of an id: its two leading characters.
func ShardOf(id string) string {
	if len(id) < 2 {
		return ""
	}
	return id[:2]
}

// ValidID reports whether id is exactly 14 ASCII digits.
func ValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

// CleanID strips the punctuation of a formatted CNPJ (12.345.678/0001-90).
func CleanID(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
