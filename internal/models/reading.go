package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
	"unicode/utf8"
)

// Reading is one orientation sample as received from the device. Values are
// kept as the text they arrived with; nothing beyond key presence is checked.
type Reading struct {
	Timestamp string `json:"timestamp"`
	Pitch     string `json:"pitch"`
	Roll      string `json:"roll"`
	Yaw       string `json:"yaw"`
}

// Header is the column layout of the reading log.
var Header = []string{"Timestamp", "Pitch", "Roll", "Yaw"}

var (
	ErrMalformed    = errors.New("malformed payload")
	ErrMissingField = errors.New("missing field")
)

// DecodeError describes why a payload could not be turned into a Reading.
// Kind is ErrMalformed or ErrMissingField.
type DecodeError struct {
	Kind  error
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	msg := e.Kind.Error()
	if e.Field != "" {
		msg += fmt.Sprintf(" %q", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Is(target error) bool { return target == e.Kind }

func (e *DecodeError) Unwrap() error { return e.Err }

// NewReading builds a reading stamped with t in UTC.
func NewReading(t time.Time, pitch, roll, yaw float64) Reading {
	return Reading{
		Timestamp: t.UTC().Format(time.RFC3339Nano),
		Pitch:     formatFloat(pitch),
		Roll:      formatFloat(roll),
		Yaw:       formatFloat(yaw),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Payload encodes r in the wire format, with the angles as JSON numbers.
func (r Reading) Payload() ([]byte, error) {
	return json.Marshal(struct {
		Timestamp string      `json:"timestamp"`
		Pitch     json.Number `json:"pitch"`
		Roll      json.Number `json:"roll"`
		Yaw       json.Number `json:"yaw"`
	}{r.Timestamp, json.Number(r.Pitch), json.Number(r.Roll), json.Number(r.Yaw)})
}

// Decode parses a JSON object payload. Extra keys are ignored.
func Decode(payload []byte) (Reading, error) {
	if !utf8.Valid(payload) {
		return Reading{}, &DecodeError{Kind: ErrMalformed, Err: errors.New("payload is not valid UTF-8")}
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return Reading{}, &DecodeError{Kind: ErrMalformed, Err: err}
	}
	if fields == nil {
		return Reading{}, &DecodeError{Kind: ErrMalformed, Err: errors.New("payload is not an object")}
	}
	if _, err := dec.Token(); err != io.EOF {
		return Reading{}, &DecodeError{Kind: ErrMalformed, Err: errors.New("trailing data after object")}
	}

	var r Reading
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"timestamp", &r.Timestamp},
		{"pitch", &r.Pitch},
		{"roll", &r.Roll},
		{"yaw", &r.Yaw},
	} {
		v, ok := fields[f.name]
		if !ok {
			return Reading{}, &DecodeError{Kind: ErrMissingField, Field: f.name}
		}
		s, err := valueText(v)
		if err != nil {
			return Reading{}, &DecodeError{Kind: ErrMalformed, Field: f.name, Err: err}
		}
		*f.dst = s
	}
	return r, nil
}

// valueText renders a decoded JSON value for the log: strings verbatim,
// numbers by their literal text, null as empty, anything else as compact JSON.
func valueText(v interface{}) (string, error) {
	switch v := v.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// FromRow is the inverse of Row.
func FromRow(row []string) (Reading, error) {
	if len(row) != len(Header) {
		return Reading{}, fmt.Errorf("row has %d columns, want %d", len(row), len(Header))
	}
	return Reading{Timestamp: row[0], Pitch: row[1], Roll: row[2], Yaw: row[3]}, nil
}

// Row returns the log columns in header order.
func (r Reading) Row() []string {
	return []string{r.Timestamp, r.Pitch, r.Roll, r.Yaw}
}

func (r Reading) String() string {
	return fmt.Sprintf("[%s] Pitch: %s, Roll: %s, Yaw: %s", r.Timestamp, r.Pitch, r.Roll, r.Yaw)
}
