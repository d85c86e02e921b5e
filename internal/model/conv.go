package model

import (
	"bytes"
	"strconv"
)

// The broker feed is loose about numeric fields: prices, volumes and
// timestamps arrive either as JSON numbers or as decimal strings. FlexFloat,
// FlexInt and FlexString coerce both shapes at the parse boundary.

// FlexFloat is a float64 that unmarshals from a number or a quoted string.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	b = unquote(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*f = FlexFloat(v)
	return nil
}

// FlexInt is an int64 that unmarshals from an integer, a float-shaped
// number, or a quoted string of either.
type FlexInt int64

func (i *FlexInt) UnmarshalJSON(b []byte) error {
	b = unquote(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*i = 0
		return nil
	}
	if v, err := strconv.ParseInt(string(b), 10, 64); err == nil {
		*i = FlexInt(v)
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*i = FlexInt(int64(v))
	return nil
}

// FlexString is a string that also accepts a bare JSON number.
type FlexString string

func (s *FlexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	*s = FlexString(unquote(b))
	return nil
}

func unquote(b []byte) []byte {
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		return b[1 : len(b)-1]
	}
	return b
}
