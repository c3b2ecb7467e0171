// ini.go: parsing and deterministic serialization of settings files
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"github.com/agilira/go-errors"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseSections parses section based key=value text.
//
// Lines starting with ';' or '#' are comments, as is anything after a ';'
// preceded by whitespace. A value in double quotes is taken literally,
// with \" and \\ escapes. Keys before the first header go to section "".
// A repeated key keeps its last value. Any other line shape is malformed
// and fails the whole parse, so callers never apply half a file.
func ParseSections(data []byte) (Sections, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	sections := make(Sections)
	current := ""

	lines := strings.Split(string(data), "\n")
	for i, raw := range lines {
		lineNum := i + 1
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			name, err := parseSectionHeader(line, lineNum)
			if err != nil {
				return nil, err
			}
			current = name
			sections.Ensure(current)
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, errors.New(ErrCodeMalformedData,
				fmt.Sprintf("invalid line %d: expected KEY=VALUE", lineNum))
		}

		key := strings.TrimSpace(parts[0])
		if err := validateKey(key, lineNum); err != nil {
			return nil, err
		}
		sections.Ensure(current)[key] = parseValue(strings.TrimSpace(parts[1]))
	}

	return sections, nil
}

// parseSectionHeader validates a [SECTION] line and returns the name
func parseSectionHeader(line string, lineNum int) (string, error) {
	if !strings.HasSuffix(line, "]") {
		return "", errors.New(ErrCodeMalformedData,
			fmt.Sprintf("invalid section at line %d: malformed brackets", lineNum))
	}
	name := strings.TrimSpace(line[1 : len(line)-1])
	if strings.ContainsAny(name, "[]") {
		return "", errors.New(ErrCodeMalformedData,
			fmt.Sprintf("invalid section at line %d: nested brackets not supported", lineNum))
	}
	if name == "" {
		return "", errors.New(ErrCodeMalformedData,
			fmt.Sprintf("invalid section at line %d: empty section name", lineNum))
	}
	return name, nil
}

// validateKey rejects empty keys and keys with control characters
func validateKey(key string, lineNum int) error {
	if key == "" {
		return errors.New(ErrCodeMalformedData,
			fmt.Sprintf("invalid key at line %d: key cannot be empty", lineNum))
	}
	for _, char := range key {
		if char < 32 || !unicode.IsPrint(char) {
			return errors.New(ErrCodeMalformedData,
				fmt.Sprintf("invalid key at line %d: non-printable character not allowed", lineNum))
		}
	}
	return nil
}

// validateLocation reports whether section and key survive a write and
// re-read of the settings file unchanged
func validateLocation(section, key string) error {
	if err := validateSection(section); err != nil {
		return err
	}

	invalid := func(msg string) error {
		return errors.New(ErrCodeInvalidField, msg).
			WithContext("section", section).
			WithContext("key", key)
	}
	if key == "" {
		return invalid("key cannot be empty")
	}
	if key != strings.TrimSpace(key) {
		return invalid("key cannot start or end with whitespace")
	}
	if strings.ContainsAny(key[:1], "[;#") {
		return invalid("key cannot start with '[', ';' or '#'")
	}
	if strings.Contains(key, "=") {
		return invalid("key cannot contain '='")
	}
	if !printable(key) {
		return invalid("non-printable character in key")
	}
	return nil
}

// validateSection accepts "" for the global section
func validateSection(section string) error {
	invalid := func(msg string) error {
		return errors.New(ErrCodeInvalidField, msg).WithContext("section", section)
	}
	if section != strings.TrimSpace(section) {
		return invalid("section cannot start or end with whitespace")
	}
	if strings.ContainsAny(section, "[]") {
		return invalid("section cannot contain brackets")
	}
	if !printable(section) {
		return invalid("non-printable character in section")
	}
	return nil
}

func printable(s string) bool {
	for _, char := range s {
		if char < 32 || !unicode.IsPrint(char) {
			return false
		}
	}
	return true
}

// parseValue unquotes a quoted value or strips an inline comment
func parseValue(value string) string {
	if strings.HasPrefix(value, `"`) {
		if unquoted, rest, ok := unquoteValue(value); ok {
			rest = strings.TrimSpace(rest)
			if rest == "" || strings.HasPrefix(rest, ";") {
				return unquoted
			}
		}
	}
	return stripInlineComment(value)
}

// unquoteValue reads a double quoted value and returns what follows it.
// ok is false when the closing quote is missing.
func unquoteValue(value string) (unquoted, rest string, ok bool) {
	var b strings.Builder
	for i := 1; i < len(value); i++ {
		c := value[i]
		switch {
		case c == '\\' && i+1 < len(value) && (value[i+1] == '"' || value[i+1] == '\\'):
			i++
			b.WriteByte(value[i])
		case c == '"':
			return b.String(), value[i+1:], true
		default:
			b.WriteByte(c)
		}
	}
	return "", "", false
}

func stripInlineComment(value string) string {
	for i := 1; i < len(value); i++ {
		if value[i] == ';' && (value[i-1] == ' ' || value[i-1] == '\t') {
			return strings.TrimSpace(value[:i])
		}
	}
	return value
}

// Marshal serializes the model deterministically: global keys first, then
// sections and keys in sorted order. Identical models always produce
// identical bytes, which lets saves skip unchanged files.
func (ss Sections) Marshal() []byte {
	var buf bytes.Buffer

	if global := ss[""]; len(global) > 0 {
		writeKeys(&buf, "", global)
	}

	for _, name := range ss.Names() {
		if name == "" || len(ss[name]) == 0 || validateSection(name) != nil {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteByte('[')
		buf.WriteString(name)
		buf.WriteString("]\n")
		writeKeys(&buf, name, ss[name])
	}
	return buf.Bytes()
}

func writeKeys(buf *bytes.Buffer, name string, s Section) {
	for _, key := range s.Keys() {
		// Unreadable locations would make the whole file malformed
		if validateLocation(name, key) != nil {
			continue
		}
		buf.WriteString(key)
		buf.WriteByte('=')
		buf.WriteString(formatValue(s[key]))
		buf.WriteByte('\n')
	}
}

var valueEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// formatValue writes a value on one line. Values a plain write would not
// read back unchanged are quoted.
func formatValue(v string) string {
	v = sanitizeValue(v)
	if v == "" {
		return v
	}
	if v != strings.TrimSpace(v) || strings.HasPrefix(v, `"`) || stripInlineComment(v) != v {
		return `"` + valueEscaper.Replace(v) + `"`
	}
	return v
}

// sanitizeValue keeps a value on one line
func sanitizeValue(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return v
	}
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(v)
}
