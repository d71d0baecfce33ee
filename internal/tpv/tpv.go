// Package tpv encodes and decodes the identity payload printed in the
// corner QR codes of every page.
//
// A payload is 16 decimal digits:
//
//	F TTTT PP VV O CCCCCC
//
// F is the format marker, T the test (paper) number, P the page, V the
// version, O the corner the code was printed in and C the public code of
// the assessment run.
package tpv

import (
	"fmt"
	"strconv"
)

// FormatMarker is the leading digit of every payload in this format.
const FormatMarker = '5'

// Length is the fixed payload length.
const Length = 16

const (
	MaxTest        = 9999
	MaxPage        = 99
	MaxVersion     = 99
	MaxOrientation = 4
	MaxPublicCode  = 999999
)

// Code is a decoded identity payload.
type Code struct {
	Test        int
	Page        int
	Version     int
	Orientation int
	PublicCode  int
}

// FormatError means the payload is not one of ours.
type FormatError struct {
	Payload string
	Msg     string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("tpv format %q: %s", e.Payload, e.Msg)
}

// RangeError means the payload is ours but a field is out of its domain.
type RangeError struct {
	Field string
	Value int
	Min   int
	Max   int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("tpv %s %d out of range [%d, %d]", e.Field, e.Value, e.Min, e.Max)
}

// Validate checks every field of c against its domain.
func (c Code) Validate() error {
	checks := []struct {
		field    string
		v        int
		min, max int
	}{
		{"test", c.Test, 1, MaxTest},
		{"page", c.Page, 1, MaxPage},
		{"version", c.Version, 1, MaxVersion},
		{"orientation", c.Orientation, 0, MaxOrientation},
		{"public code", c.PublicCode, 0, MaxPublicCode},
	}
	for _, ch := range checks {
		if ch.v < ch.min || ch.v > ch.max {
			return &RangeError{Field: ch.field, Value: ch.v, Min: ch.min, Max: ch.max}
		}
	}
	return nil
}

// Encode returns the fixed-width payload for c.
func Encode(c Code) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%c%04d%02d%02d%d%06d",
		FormatMarker, c.Test, c.Page, c.Version, c.Orientation, c.PublicCode), nil
}

// MustEncode is Encode for values known to be valid. It panics otherwise.
func MustEncode(c Code) string {
	s, err := Encode(c)
	if err != nil {
		panic(err)
	}
	return s
}

// IsValidFormat reports whether s has the shape of a payload, without
// checking field domains.
func IsValidFormat(s string) bool {
	return checkFormat(s) == nil
}

func checkFormat(s string) error {
	if len(s) != Length {
		return &FormatError{Payload: s, Msg: fmt.Sprintf("length %d, want %d", len(s), Length)}
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return &FormatError{Payload: s, Msg: fmt.Sprintf("non-digit at offset %d", i)}
		}
	}
	if s[0] != FormatMarker {
		return &FormatError{Payload: s, Msg: fmt.Sprintf("unknown format marker %q", s[0])}
	}
	return nil
}

// Decode parses a payload. It returns *FormatError when s is not a payload
// of this format and *RangeError when a field is out of its domain.
func Decode(s string) (Code, error) {
	if err := checkFormat(s); err != nil {
		return Code{}, err
	}
	field := func(from, to int) int {
		n, _ := strconv.Atoi(s[from:to])
		return n
	}
	c := Code{
		Test:        field(1, 5),
		Page:        field(5, 7),
		Version:     field(7, 9),
		Orientation: field(9, 10),
		PublicCode:  field(10, 16),
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// ParsePublicCode converts the textual public code of a specification.
func ParsePublicCode(s string) (int, error) {
	if len(s) == 0 || len(s) > 6 {
		return 0, fmt.Errorf("public code %q: want 1 to 6 digits", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("public code %q: not a number", s)
	}
	return n, nil
}
