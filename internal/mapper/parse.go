package mapper

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/lamim/distillforge/internal/util"
)

// Kind tags the shape of a parsed model response
type Kind int

const (
	KindText Kind = iota
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "text"
	}
}

// Parsed is the result of a single parse attempt over raw model output.
// Exactly one of Object, Items or Text is meaningful, selected by Kind.
type Parsed struct {
	Kind   Kind
	Object map[string]any
	Items  []any
	Text   string
}

// Parse classifies raw model output as a JSON object, a JSON array, or text.
// Text that neither starts with '[' nor '{' is scanned for embedded JSON fragments;
// any that decode are returned as array items.
func Parse(raw string) Parsed {
	trimmed := strings.TrimSpace(raw)

	switch {
	case strings.HasPrefix(trimmed, "["):
		var items []any
		if decodeLenient(trimmed, &items) {
			return Parsed{Kind: KindArray, Items: items}
		}
	case strings.HasPrefix(trimmed, "{"):
		var obj map[string]any
		if decodeLenient(trimmed, &obj) {
			return Parsed{Kind: KindObject, Object: obj}
		}
	default:
		var items []any
		for _, frag := range util.Fragments(trimmed) {
			var v any
			if !decodeLenient(frag, &v) {
				continue
			}
			if arr, ok := v.([]any); ok {
				items = append(items, arr...)
				continue
			}
			items = append(items, v)
		}
		if len(items) > 0 {
			return Parsed{Kind: KindArray, Items: items}
		}
	}

	return Parsed{Kind: KindText, Text: raw}
}

// decodeLenient decodes s into v, retrying once with unescaped newlines repaired
func decodeLenient(s string, v any) bool {
	if Decode([]byte(s), v) == nil {
		return true
	}
	return Decode([]byte(util.SanitizeJSON(s)), v) == nil
}

// Decode unmarshals data keeping numbers as json.Number so they round-trip unchanged.
// Trailing content after the first value is an error.
func Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return &json.SyntaxError{Offset: dec.InputOffset()}
	}
	return nil
}
