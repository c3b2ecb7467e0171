// sections.go: section/key/value model of a settings file
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Section maps keys to raw string values. Typed getters apply a default
// when a key is missing or unparsable.
type Section map[string]string

// Has reports whether key is present
func (s Section) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// String returns the value of key or def
func (s Section) String(key, def string) string {
	if v, ok := s[key]; ok {
		return v
	}
	return def
}

// Int parses key as an integer. Decimal values are truncated, since the
// game writes some integer keys as floats.
func (s Section) Int(key string, def int) int {
	v, ok := s[key]
	if !ok {
		return def
	}
	v = strings.TrimSpace(v)
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return int(f)
	}
	return def
}

// IntRange parses key as an integer clamped to [min, max]
func (s Section) IntRange(key string, def, min, max int) int {
	return clampInt(s.Int(key, def), min, max)
}

// Float parses key as a float
func (s Section) Float(key string, def float64) float64 {
	v, ok := s[key]
	if !ok {
		return def
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		return f
	}
	return def
}

// FloatRange parses key as a float clamped to [min, max]
func (s Section) FloatRange(key string, def, min, max float64) float64 {
	return clampFloat(s.Float(key, def), min, max)
}

// Bool parses key as a boolean, accepting 1/0, true/false, yes/no and on/off
func (s Section) Bool(key string, def bool) bool {
	v, ok := s[key]
	if !ok {
		return def
	}
	if b, ok := parseBool(v); ok {
		return b
	}
	return def
}

// Strings splits a comma separated value. Empty items are dropped.
func (s Section) Strings(key string) []string {
	v, ok := s[key]
	if !ok {
		return nil
	}
	return splitList(v)
}

// Duration parses key as seconds (float) or as a Go duration string
func (s Section) Duration(key string, def time.Duration) time.Duration {
	v, ok := s[key]
	if !ok {
		return def
	}
	if d, ok := parseDuration(v); ok {
		return d
	}
	return def
}

// Set stores a raw value
func (s Section) Set(key, value string) { s[key] = value }

// SetInt stores an integer
func (s Section) SetInt(key string, value int) { s[key] = strconv.Itoa(value) }

// SetFloat stores a float in its shortest form
func (s Section) SetFloat(key string, value float64) { s[key] = formatFloat(value) }

// SetBool stores a boolean as 1 or 0
func (s Section) SetBool(key string, value bool) { s[key] = formatBool(value) }

// SetStrings stores a comma separated list
func (s Section) SetStrings(key string, values []string) { s[key] = strings.Join(values, ",") }

// Keys returns the keys in sorted order
func (s Section) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a copy of the section
func (s Section) Clone() Section {
	c := make(Section, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Sections is the whole content of a settings file. Keys found before the
// first section header live in the section named "".
type Sections map[string]Section

// Section returns the named section, or nil when absent. Getters on a nil
// Section return their defaults.
func (ss Sections) Section(name string) Section {
	return ss[name]
}

// Ensure returns the named section, creating it when absent
func (ss Sections) Ensure(name string) Section {
	s, ok := ss[name]
	if !ok {
		s = make(Section)
		ss[name] = s
	}
	return s
}

// Get returns a raw value
func (ss Sections) Get(section, key string) (string, bool) {
	s, ok := ss[section]
	if !ok {
		return "", false
	}
	v, ok := s[key]
	return v, ok
}

// Set stores a raw value, creating the section when needed
func (ss Sections) Set(section, key, value string) {
	ss.Ensure(section)[key] = value
}

// Delete removes a key and drops the section once it is empty
func (ss Sections) Delete(section, key string) {
	s, ok := ss[section]
	if !ok {
		return
	}
	delete(s, key)
	if len(s) == 0 {
		delete(ss, section)
	}
}

// Names returns the section names in sorted order
func (ss Sections) Names() []string {
	names := make([]string, 0, len(ss))
	for name := range ss {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy
func (ss Sections) Clone() Sections {
	c := make(Sections, len(ss))
	for name, s := range ss {
		c[name] = s.Clone()
	}
	return c
}

// Equal reports whether both models hold the same values. Empty sections
// are ignored since they do not survive serialization.
func (ss Sections) Equal(other Sections) bool {
	if ss.countKeys() != other.countKeys() {
		return false
	}
	for name, s := range ss {
		for k, v := range s {
			if ov, ok := other.Get(name, k); !ok || ov != v {
				return false
			}
		}
	}
	return true
}

func (ss Sections) countKeys() int {
	n := 0
	for _, s := range ss {
		n += len(s)
	}
	return n
}

// =============================================================================
// VALUE HELPERS
// =============================================================================

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func parseBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

func formatBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	return items
}

func parseDuration(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), true
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	return 0, false
}

func formatDuration(d time.Duration) string {
	return formatFloat(d.Seconds())
}
