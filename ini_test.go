// ini_test.go: tests of the settings file codec and section model
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"strings"
	"testing"
	"time"
)

func TestParseSections_Basic(t *testing.T) {
	content := "\xEF\xBB\xBFVERSION=3\r\n" +
		"; comment\r\n" +
		"# other comment\r\n" +
		"[REPLAY]\r\n" +
		"MAX_SIZE = 200\r\n" +
		"QUALITY=3 ; inline comment\r\n" +
		"NAME=a;b\r\n" +
		"EMPTY=\r\n" +
		"\r\n" +
		"[VIDEO]\r\n" +
		"FULLSCREEN=1\r\n" +
		"FULLSCREEN=0\r\n"

	sections, err := ParseSections([]byte(content))
	if err != nil {
		t.Fatalf("ParseSections failed: %v", err)
	}

	tests := []struct {
		section, key, expected string
	}{
		{"", "VERSION", "3"},
		{"REPLAY", "MAX_SIZE", "200"},
		{"REPLAY", "QUALITY", "3"},
		{"REPLAY", "NAME", "a;b"},
		{"REPLAY", "EMPTY", ""},
		{"VIDEO", "FULLSCREEN", "0"},
	}
	for _, tt := range tests {
		got, ok := sections.Get(tt.section, tt.key)
		if !ok {
			t.Errorf("%s/%s missing", tt.section, tt.key)
			continue
		}
		if got != tt.expected {
			t.Errorf("%s/%s = %q, expected %q", tt.section, tt.key, got, tt.expected)
		}
	}
}

func TestParseSections_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing equals", "[A]\nJUSTTEXT\n"},
		{"unclosed header", "[A\nK=V\n"},
		{"nested brackets", "[[A]]\nK=V\n"},
		{"empty section name", "[ ]\nK=V\n"},
		{"empty key", "[A]\n=V\n"},
		{"control character in key", "[A]\nK\x01=V\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSections([]byte(tt.content))
			if err == nil {
				t.Fatal("Expected a parse error")
			}
			if !HasErrorCode(err, ErrCodeMalformedData) {
				t.Errorf("Expected %s, got %v", ErrCodeMalformedData, err)
			}
		})
	}
}

func TestParseSections_ErrorNamesLine(t *testing.T) {
	_, err := ParseSections([]byte("[A]\nK=V\n\nBROKEN\n"))
	if err == nil || !strings.Contains(err.Error(), "line 4") {
		t.Errorf("Expected error to name line 4, got %v", err)
	}
}

func TestSectionsMarshal_Deterministic(t *testing.T) {
	ss := Sections{}
	ss.Set("VIDEO", "WIDTH", "1920")
	ss.Set("AUDIO", "VOLUME", "0.8")
	ss.Set("", "VERSION", "2")
	ss.Set("VIDEO", "HEIGHT", "1080")
	ss.Ensure("EMPTY")

	expected := "VERSION=2\n\n[AUDIO]\nVOLUME=0.8\n\n[VIDEO]\nHEIGHT=1080\nWIDTH=1920\n"
	for i := 0; i < 5; i++ {
		if got := string(ss.Marshal()); got != expected {
			t.Fatalf("Marshal =\n%s\nexpected\n%s", got, expected)
		}
	}
}

func TestSectionsMarshal_RoundTrip(t *testing.T) {
	ss := Sections{}
	ss.Set("A", "MULTI", "line1\nline2")
	ss.Set("A", "PLAIN", "value")
	ss.Set("B", "LIST", "x,y,z")

	parsed, err := ParseSections(ss.Marshal())
	if err != nil {
		t.Fatalf("Re-parse failed: %v", err)
	}
	if v, _ := parsed.Get("A", "MULTI"); v != "line1 line2" {
		t.Errorf("Newlines must be flattened on write, got %q", v)
	}
	parsed.Set("A", "MULTI", "line1\nline2")
	if !parsed.Equal(ss) {
		t.Errorf("Round trip changed the model: %v vs %v", parsed, ss)
	}
}

func TestSection_TypedGetters(t *testing.T) {
	s := Section{
		"INT":      "42",
		"FLOATINT": "7.9",
		"FLOAT":    "0.25",
		"BOOL_ON":  "on",
		"BOOL_NUM": "0",
		"BAD":      "nope",
		"LIST":     " a, b ,,c ",
		"SECS":     "1.5",
		"GODUR":    "250ms",
	}

	if got := s.Int("INT", 0); got != 42 {
		t.Errorf("Int = %d", got)
	}
	if got := s.Int("FLOATINT", 0); got != 7 {
		t.Errorf("Int of a float value should truncate, got %d", got)
	}
	if got := s.Int("BAD", -1); got != -1 {
		t.Errorf("Int of garbage should fall back, got %d", got)
	}
	if got := s.Int("MISSING", 5); got != 5 {
		t.Errorf("Int of missing key should fall back, got %d", got)
	}
	if got := s.IntRange("INT", 0, 0, 10); got != 10 {
		t.Errorf("IntRange should clamp, got %d", got)
	}
	if got := s.Float("FLOAT", 0); got != 0.25 {
		t.Errorf("Float = %v", got)
	}
	if got := s.FloatRange("FLOAT", 0, 0.5, 1); got != 0.5 {
		t.Errorf("FloatRange should clamp, got %v", got)
	}
	if !s.Bool("BOOL_ON", false) || s.Bool("BOOL_NUM", true) {
		t.Error("Bool parsing wrong")
	}
	if !s.Bool("BAD", true) {
		t.Error("Bool of garbage should fall back")
	}
	if got := s.Strings("LIST"); strings.Join(got, "|") != "a|b|c" {
		t.Errorf("Strings = %v", got)
	}
	if got := s.Duration("SECS", 0); got != 1500*time.Millisecond {
		t.Errorf("Duration of seconds = %v", got)
	}
	if got := s.Duration("GODUR", 0); got != 250*time.Millisecond {
		t.Errorf("Duration of Go syntax = %v", got)
	}

	var missing Section
	if got := missing.String("X", "def"); got != "def" {
		t.Errorf("nil Section getter = %q", got)
	}
}

func TestSection_Setters(t *testing.T) {
	s := Section{}
	s.SetInt("I", 3)
	s.SetFloat("F", 0.5)
	s.SetBool("B", true)
	s.SetStrings("L", []string{"a", "b"})

	expected := map[string]string{"I": "3", "F": "0.5", "B": "1", "L": "a,b"}
	for k, v := range expected {
		if s[k] != v {
			t.Errorf("%s = %q, expected %q", k, s[k], v)
		}
	}
	if strings.Join(s.Keys(), ",") != "B,F,I,L" {
		t.Errorf("Keys not sorted: %v", s.Keys())
	}
}

func TestSections_DeleteAndEqual(t *testing.T) {
	a := Sections{}
	a.Set("S", "K", "V")
	b := a.Clone()
	b.Ensure("EMPTY")

	if !a.Equal(b) {
		t.Error("Empty sections must not affect equality")
	}

	b.Set("S", "K", "other")
	if a.Equal(b) {
		t.Error("Different values compared equal")
	}
	if v, _ := a.Get("S", "K"); v != "V" {
		t.Error("Clone shares storage with the original")
	}

	a.Delete("S", "K")
	if _, ok := a["S"]; ok {
		t.Error("Delete should drop the emptied section")
	}
}

func TestSectionsMarshal_QuotesAmbiguousValues(t *testing.T) {
	ss := Sections{}
	ss.Set("A", "COMMENT", "x ;y")
	ss.Set("A", "TAB", "x\t;y")
	ss.Set("A", "SPACES", " x ")
	ss.Set("A", "QUOTE", `"x`)
	ss.Set("A", "ESCAPES", `a\"b ;c`)
	ss.Set("A", "PLAIN", "a;b #c")
	ss.Set("A", "EMPTY", "")

	data := string(ss.Marshal())
	if !containsLine(data, "PLAIN=a;b #c") {
		t.Errorf("Plain value should not be quoted:\n%s", data)
	}
	if !containsLine(data, `COMMENT="x ;y"`) {
		t.Errorf("Value with an inline comment marker not quoted:\n%s", data)
	}

	parsed, err := ParseSections([]byte(data))
	if err != nil {
		t.Fatalf("Re-parse failed: %v", err)
	}
	if !parsed.Equal(ss) {
		t.Errorf("Round trip changed values:\n%v\nvs\n%v", parsed, ss)
	}
}

func TestParseSections_QuotedValues(t *testing.T) {
	content := "[A]\n" +
		"Q1=\"x ;y\" ; trailing comment\n" +
		"Q2=\"unterminated ;comment\n" +
		"Q3=\"a\" b\n" +
		"Q4=\"\"\n"

	sections, err := ParseSections([]byte(content))
	if err != nil {
		t.Fatalf("ParseSections failed: %v", err)
	}
	tests := []struct {
		key, expected string
	}{
		{"Q1", "x ;y"},
		{"Q2", `"unterminated`},
		{"Q3", `"a" b`},
		{"Q4", ""},
	}
	for _, tt := range tests {
		if got, _ := sections.Get("A", tt.key); got != tt.expected {
			t.Errorf("%s = %q, expected %q", tt.key, got, tt.expected)
		}
	}
}

func TestValidateLocation(t *testing.T) {
	valid := [][2]string{{"", "VERSION"}, {"REPLAY", "MAX_SIZE"}, {"CAR_0", "MODEL"}, {"A B", "K;1"}}
	for _, loc := range valid {
		if err := validateLocation(loc[0], loc[1]); err != nil {
			t.Errorf("validateLocation(%q, %q) = %v", loc[0], loc[1], err)
		}
	}

	invalid := [][2]string{
		{"S", ""}, {"S", "[k"}, {"S", ";k"}, {"S", "#k"}, {"S", "a=b"}, {"S", "k "},
		{"S", "k\x01"}, {"S]", "k"}, {"[S", "k"}, {"S\n", "k"}, {" S", "k"},
	}
	for _, loc := range invalid {
		if err := validateLocation(loc[0], loc[1]); !HasErrorCode(err, ErrCodeInvalidField) {
			t.Errorf("validateLocation(%q, %q) = %v, expected %s", loc[0], loc[1], err, ErrCodeInvalidField)
		}
	}
}

func TestSectionsMarshal_SkipsUnwritableLocations(t *testing.T) {
	ss := Sections{}
	ss.Set("S", "GOOD", "1")
	ss.Set("S", "[BAD", "2")
	ss.Set("S]", "K", "3")

	parsed, err := ParseSections(ss.Marshal())
	if err != nil {
		t.Fatalf("Marshal produced an unreadable file: %v", err)
	}
	if v, _ := parsed.Get("S", "GOOD"); v != "1" {
		t.Errorf("Valid key lost, got %q", v)
	}
	if len(parsed) != 1 || len(parsed["S"]) != 1 {
		t.Errorf("Unwritable locations were written: %v", parsed)
	}
}
