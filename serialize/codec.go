// Package serialize provides the pluggable serialization boundary the facade
// uses to turn application values into the byte sequences L1 and L2 store.
// JSON is the shipped default; the Codec interface is the extension point a
// caller uses to swap in a different wire format without touching the
// facade.
package serialize

import (
	"encoding/json"
	"fmt"

	"github.com/lattice-cache/tlc/tlcerr"
)

// Codec marshals and unmarshals application values to/from the byte slices
// the cache tiers store.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSON is the default Codec, backed by encoding/json.
type JSON struct{}

// NewJSON returns the default JSON codec.
func NewJSON() JSON { return JSON{} }

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, tlcerr.Wrap(tlcerr.KindSerialization, "marshal", err)
	}
	return b, nil
}

func (JSON) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return tlcerr.Wrap(tlcerr.KindSerialization, "unmarshal", err)
	}
	return nil
}

// ByName resolves a codec by configuration name. "json" is the only
// built-in today; additional codecs register by extending this switch.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return NewJSON(), nil
	default:
		return nil, fmt.Errorf("serialize: unknown codec %q", name)
	}
}
