// field.go: typed, validated accessors layered over group sections
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/agilira/go-errors"
)

// Codec converts a field value to and from its string form in the file.
// Equal may be nil, in which case values are compared by their encoding.
type Codec[T any] struct {
	Encode func(T) string
	Decode func(string) (T, error)
	Equal  func(a, b T) bool
}

func (c Codec[T]) equal(a, b T) bool {
	if c.Equal != nil {
		return c.Equal(a, b)
	}
	return c.Encode(a) == c.Encode(b)
}

// applyMode tells apply whether a change may persist. Loading projections
// never schedule a save; user changes do.
type applyMode int

const (
	applyUser applyMode = iota
	applyLoading
)

// fieldBinding is the untyped view a group keeps of its fields
type fieldBinding interface {
	name() string
	location() (section, key string)
	isExternal() bool
	load(view Sections)
	encodeLocked() string
	setEncoded(raw string, mode applyMode) (bool, error)
}

// Field is one typed setting stored at SECTION/KEY of its group's file
type Field[T any] struct {
	group    *SettingsGroup
	section  string
	key      string
	codec    Codec[T]
	def      T
	coerce   func(T) T
	external bool

	value T // guarded by group.mu
}

// FieldOption configures a Field
type FieldOption[T any] func(*Field[T])

// WithCoerce normalizes every value before it is stored
func WithCoerce[T any](coerce func(T) T) FieldOption[T] {
	return func(f *Field[T]) {
		prev := f.coerce
		if prev == nil {
			f.coerce = coerce
			return
		}
		f.coerce = func(v T) T { return coerce(prev(v)) }
	}
}

// Clamp limits an int field to [min, max]
func Clamp(min, max int) FieldOption[int] {
	return WithCoerce(func(v int) int { return clampInt(v, min, max) })
}

// ClampFloat limits a float field to [min, max]
func ClampFloat(min, max float64) FieldOption[float64] {
	return WithCoerce(func(v float64) float64 { return clampFloat(v, min, max) })
}

// OneOf restricts a string field to a set of values. Anything else falls
// back to the field default.
func OneOf(values ...string) FieldOption[string] {
	return func(f *Field[string]) {
		allowed := append([]string(nil), values...)
		def := f.def
		WithCoerce(func(v string) string {
			if slices.Contains(allowed, v) {
				return v
			}
			return def
		})(f)
	}
}

// External makes the field persist to the engine's value store instead
// of the backing file
func External[T any]() FieldOption[T] {
	return func(f *Field[T]) { f.external = true }
}

// NewField registers a field with an explicit codec. Registering the same
// SECTION/KEY twice on one group panics, as does a location the settings
// file cannot represent (the panic value is an ACTOOLS_INVALID_FIELD error).
func NewField[T any](g *SettingsGroup, section, key string, def T, codec Codec[T], opts ...FieldOption[T]) *Field[T] {
	if codec.Encode == nil || codec.Decode == nil {
		panic(fmt.Sprintf("actools: field %s/%s needs Encode and Decode", section, key))
	}
	if err := validateLocation(section, key); err != nil {
		panic(err)
	}
	f := &Field[T]{
		group:   g,
		section: section,
		key:     key,
		codec:   codec,
		def:     def,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.coerce != nil {
		f.def = f.coerce(f.def)
	}
	f.value = f.def

	g.register(f)
	return f
}

// IntField registers an integer field
func IntField(g *SettingsGroup, section, key string, def int, opts ...FieldOption[int]) *Field[int] {
	return NewField(g, section, key, def, Codec[int]{
		Encode: strconv.Itoa,
		Decode: func(s string) (int, error) {
			s = strings.TrimSpace(s)
			if i, err := strconv.Atoi(s); err == nil {
				return i, nil
			}
			f, err := strconv.ParseFloat(s, 64)
			return int(f), err
		},
		Equal: func(a, b int) bool { return a == b },
	}, opts...)
}

// FloatField registers a float field
func FloatField(g *SettingsGroup, section, key string, def float64, opts ...FieldOption[float64]) *Field[float64] {
	return NewField(g, section, key, def, Codec[float64]{
		Encode: formatFloat,
		Decode: func(s string) (float64, error) { return strconv.ParseFloat(strings.TrimSpace(s), 64) },
		Equal:  func(a, b float64) bool { return a == b },
	}, opts...)
}

// BoolField registers a boolean field stored as 1 or 0
func BoolField(g *SettingsGroup, section, key string, def bool, opts ...FieldOption[bool]) *Field[bool] {
	return NewField(g, section, key, def, Codec[bool]{
		Encode: formatBool,
		Decode: func(s string) (bool, error) {
			if b, ok := parseBool(s); ok {
				return b, nil
			}
			return false, fmt.Errorf("invalid boolean %q", s)
		},
		Equal: func(a, b bool) bool { return a == b },
	}, opts...)
}

// StringField registers a string field
func StringField(g *SettingsGroup, section, key, def string, opts ...FieldOption[string]) *Field[string] {
	return NewField(g, section, key, def, Codec[string]{
		Encode: func(s string) string { return s },
		Decode: func(s string) (string, error) { return s, nil },
		Equal:  func(a, b string) bool { return a == b },
	}, opts...)
}

// ListField registers a comma separated list field
func ListField(g *SettingsGroup, section, key string, def []string, opts ...FieldOption[[]string]) *Field[[]string] {
	return NewField(g, section, key, def, Codec[[]string]{
		Encode: func(v []string) string { return strings.Join(v, ",") },
		Decode: func(s string) ([]string, error) { return splitList(s), nil },
		Equal:  func(a, b []string) bool { return slices.Equal(a, b) },
	}, opts...)
}

// DurationField registers a duration field stored as seconds
func DurationField(g *SettingsGroup, section, key string, def time.Duration, opts ...FieldOption[time.Duration]) *Field[time.Duration] {
	return NewField(g, section, key, def, Codec[time.Duration]{
		Encode: formatDuration,
		Decode: func(s string) (time.Duration, error) {
			if d, ok := parseDuration(s); ok {
				return d, nil
			}
			return 0, fmt.Errorf("invalid duration %q", s)
		},
		Equal: func(a, b time.Duration) bool { return a == b },
	}, opts...)
}

// Color is an RGB color as the game stores it: "r,g,b"
type Color struct {
	R, G, B uint8
}

// String returns the "r,g,b" form
func (c Color) String() string {
	return fmt.Sprintf("%d,%d,%d", c.R, c.G, c.B)
}

// ParseColor accepts "r,g,b" and "#RRGGBB"
func ParseColor(s string) (Color, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "#") && len(s) == 7 {
		v, err := strconv.ParseUint(s[1:], 16, 32)
		if err != nil {
			return Color{}, fmt.Errorf("invalid color %q", s)
		}
		return Color{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil // #nosec G115 -- masked by uint8 conversion
	}

	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return Color{}, fmt.Errorf("invalid color %q", s)
	}
	var rgb [3]uint8
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Color{}, fmt.Errorf("invalid color %q", s)
		}
		rgb[i] = uint8(clampInt(v, 0, 255)) // #nosec G115 -- clamped to 0..255
	}
	return Color{R: rgb[0], G: rgb[1], B: rgb[2]}, nil
}

// ColorField registers a color field
func ColorField(g *SettingsGroup, section, key string, def Color, opts ...FieldOption[Color]) *Field[Color] {
	return NewField(g, section, key, def, Codec[Color]{
		Encode: Color.String,
		Decode: ParseColor,
		Equal:  func(a, b Color) bool { return a == b },
	}, opts...)
}

// Get returns the current value
func (f *Field[T]) Get() T {
	f.group.mu.RLock()
	defer f.group.mu.RUnlock()
	return f.value
}

// Set stores v after coercion and reports whether the value changed.
// Setting the current value is a no-op: no event and no save.
func (f *Field[T]) Set(v T) bool {
	return f.apply(v, applyUser)
}

// Reset restores the default value
func (f *Field[T]) Reset() bool {
	return f.apply(f.def, applyUser)
}

// Default returns the default value
func (f *Field[T]) Default() T { return f.def }

// Name returns SECTION/KEY
func (f *Field[T]) Name() string { return f.name() }

// IsExternal reports whether the field persists to the value store
func (f *Field[T]) IsExternal() bool { return f.external }

func (f *Field[T]) apply(v T, mode applyMode) bool {
	if f.coerce != nil {
		v = f.coerce(v)
	}

	g := f.group
	g.mu.Lock()
	if f.codec.equal(f.value, v) {
		g.mu.Unlock()
		return false
	}
	f.value = v
	encoded := f.codec.Encode(v)
	g.mu.Unlock()

	g.fieldChanged(f, encoded, mode)
	return true
}

func (f *Field[T]) name() string { return f.section + "/" + f.key }

func (f *Field[T]) location() (string, string) { return f.section, f.key }

func (f *Field[T]) isExternal() bool { return f.external }

// load projects the raw value from view. Missing or unparsable values
// fall back to the default.
func (f *Field[T]) load(view Sections) {
	v := f.def
	if raw, ok := view.Get(f.section, f.key); ok {
		if decoded, err := f.codec.Decode(raw); err == nil {
			v = decoded
		}
	}
	f.apply(v, applyLoading)
}

func (f *Field[T]) encodeLocked() string {
	return f.codec.Encode(f.value)
}

func (f *Field[T]) setEncoded(raw string, mode applyMode) (bool, error) {
	v, err := f.codec.Decode(raw)
	if err != nil {
		return false, errors.Wrap(err, ErrCodeInvalidField, "invalid value for field").
			WithContext("field", f.name()).
			WithContext("value", raw)
	}
	return f.apply(v, mode), nil
}
