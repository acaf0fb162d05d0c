package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	cbor "github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Content types of the built-in codecs.
const (
	ContentTypeJSON  = "application/json"
	ContentTypeCBOR  = "application/cbor"
	ContentTypeProto = "application/x-protobuf"
)

// Codec marshals stream envelopes. Both ends of a connection agree on one
// codec during the handshake.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

// JSON returns a JSON codec.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string                { return ContentTypeJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec. Nested maps decode as
// map[string]any so payloads look the same as under JSON.
func CBOR() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor dec mode: %w", err)
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) ContentType() string                { return ContentTypeCBOR }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

type protoCodec struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

// Proto returns a Protocol Buffers codec. Values that are not proto messages
// travel as a google.protobuf.Struct mirror of their JSON form.
func Proto() Codec {
	return protoCodec{
		mo: proto.MarshalOptions{Deterministic: true},
		uo: proto.UnmarshalOptions{},
	}
}

func (protoCodec) ContentType() string { return ContentTypeProto }

func (p protoCodec) Marshal(v any) ([]byte, error) {
	if msg, ok := v.(proto.Message); ok {
		return p.mo.Marshal(msg)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protobuf: mirror %T: %w", v, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("protobuf: %T is not an object: %w", v, err)
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("protobuf: build struct: %w", err)
	}
	return p.mo.Marshal(s)
}

func (p protoCodec) Unmarshal(data []byte, v any) error {
	if msg, ok := v.(proto.Message); ok {
		return p.uo.Unmarshal(data, msg)
	}
	var s structpb.Struct
	if err := p.uo.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("protobuf: mirror: %w", err)
	}
	return json.Unmarshal(raw, v)
}

// Registry maps content types to codecs.
type Registry struct {
	byType map[string]Codec
}

// NewRegistry returns a registry preloaded with the JSON, CBOR and Proto codecs.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(Proto())
	if c, err := CBOR(); err == nil {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a codec under its content type.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns the codec for contentType, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// ContentTypes returns the registered content types in sorted order.
func (r *Registry) ContentTypes() []string {
	out := make([]string, 0, len(r.byType))
	for ct := range r.byType {
		out = append(out, ct)
	}
	sort.Strings(out)
	return out
}

var aliases = map[string]string{
	"json":     ContentTypeJSON,
	"cbor":     ContentTypeCBOR,
	"proto":    ContentTypeProto,
	"protobuf": ContentTypeProto,
}

var defaultRegistry = NewRegistry()

// Lookup resolves a short name (json, cbor, proto) or a content type to a codec.
func Lookup(name string) (Codec, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if ct, ok := aliases[key]; ok {
		key = ct
	}
	if c := defaultRegistry.Get(key); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}
