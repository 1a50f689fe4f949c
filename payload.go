package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// ErrMalformedPayload wraps every data.json decoding failure.
var ErrMalformedPayload = errors.New("malformed stats payload")

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// DecodePayload parses a data.json body. Metric labels come back in document
// order, which is why this walks the token stream instead of unmarshalling
// into a map. Only invalid JSON is an error; fields of the wrong type degrade
// to "absent" and are reported in Warnings.
func DecodePayload(b []byte) (StatsPayload, error) {
	var (
		p StatsPayload
		d payloadDecoder
	)

	iter := jsoniter.ParseBytes(jsonAPI, b)
	if iter.WhatIsNext() != jsoniter.ObjectValue {
		return StatsPayload{}, fmt.Errorf("%w: top-level value is not an object", ErrMalformedPayload)
	}

	var fieldErr error
	iter.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		switch key {
		case "expires":
			p.Expires = d.readExpires(it)
		case "metrics":
			p.Metrics, p.HasMetrics, fieldErr = d.readMetrics(it)
		case "ticker":
			p.Ticker, fieldErr = d.readTicker(it)
		default:
			it.Skip()
		}
		if fieldErr != nil {
			fieldErr = fmt.Errorf("%s: %w", key, fieldErr)
			return false
		}
		return it.Error == nil
	})
	if fieldErr != nil {
		return StatsPayload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, fieldErr)
	}
	if iter.Error != nil {
		return StatsPayload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, iter.Error)
	}

	// Only whitespace may follow the document; reaching EOF is the success case.
	iter.WhatIsNext()
	if iter.Error != io.EOF {
		return StatsPayload{}, fmt.Errorf("%w: trailing data after document", ErrMalformedPayload)
	}
	p.Warnings = d.warnings
	return p, nil
}

// payloadDecoder collects the field-level problems of one document.
type payloadDecoder struct {
	warnings []string
}

func (d *payloadDecoder) warnf(format string, args ...any) {
	d.warnings = append(d.warnings, fmt.Sprintf(format, args...))
}

// readExpires returns the expiry in unix seconds. Anything that is not a
// finite number or a numeric string counts as 0 (never expires).
func (d *payloadDecoder) readExpires(it *jsoniter.Iterator) int64 {
	var s string
	switch it.WhatIsNext() {
	case jsoniter.NilValue:
		it.ReadNil()
		return 0
	case jsoniter.NumberValue:
		s = string(it.ReadNumber())
	case jsoniter.StringValue:
		s = strings.TrimSpace(it.ReadString())
		if s == "" {
			return 0
		}
	default:
		it.Skip()
		d.warnf("expires is not a unix timestamp, treating as no expiry")
		return 0
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > 1<<62 {
		d.warnf("expires %q is not a unix timestamp, treating as no expiry", s)
		return 0
	}
	return int64(math.Floor(f))
}

// readMetrics returns the entries in document order and whether metrics are
// present. An array renders by index; other scalars count as absent.
func (d *payloadDecoder) readMetrics(it *jsoniter.Iterator) ([]MetricEntry, bool, error) {
	out := make([]MetricEntry, 0, 8)
	var valErr error

	switch it.WhatIsNext() {
	case jsoniter.NilValue:
		it.ReadNil()
		return nil, false, nil
	case jsoniter.ObjectValue:
		it.ReadObjectCB(func(it *jsoniter.Iterator, label string) bool {
			v, err := readScalarText(it)
			if err != nil {
				valErr = fmt.Errorf("%q: %w", label, err)
				return false
			}
			out = append(out, MetricEntry{Label: label, Value: v})
			return it.Error == nil
		})
	case jsoniter.ArrayValue:
		it.ReadArrayCB(func(it *jsoniter.Iterator) bool {
			label := strconv.Itoa(len(out))
			v, err := readScalarText(it)
			if err != nil {
				valErr = fmt.Errorf("[%s]: %w", label, err)
				return false
			}
			out = append(out, MetricEntry{Label: label, Value: v})
			return it.Error == nil
		})
	default:
		it.Skip()
		d.warnf("metrics is not an object, ignoring it")
		return nil, false, nil
	}
	if valErr != nil {
		return nil, false, valErr
	}
	return out, true, it.Error
}

func (d *payloadDecoder) readTicker(it *jsoniter.Iterator) (*TickerPayload, error) {
	switch it.WhatIsNext() {
	case jsoniter.NilValue:
		it.ReadNil()
		return nil, nil
	case jsoniter.ObjectValue:
	default:
		it.Skip()
		d.warnf("ticker is not an object, hiding it")
		return nil, nil
	}

	var (
		t          TickerPayload
		hasMessage bool
		fieldErr   error
	)
	it.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		switch key {
		case "message":
			if it.WhatIsNext() == jsoniter.NilValue {
				it.ReadNil()
				hasMessage = false
				break
			}
			t.Message, fieldErr = readScalarText(it)
			hasMessage = fieldErr == nil
		case "speed":
			t.Speed = readSpeed(it)
		default:
			it.Skip()
		}
		return fieldErr == nil && it.Error == nil
	})
	if fieldErr != nil {
		return nil, fmt.Errorf("message: %w", fieldErr)
	}
	if it.Error != nil {
		return nil, it.Error
	}
	// A ticker object without a message is what the publisher leaves behind
	// after an expiry reset; it renders as no ticker at all.
	if !hasMessage {
		return nil, nil
	}
	return &t, nil
}

// readSpeed returns the speed code, or 0 when it is not an integral number.
// Strings never match: "2" is not the speed code 2.
func readSpeed(it *jsoniter.Iterator) int {
	if it.WhatIsNext() != jsoniter.NumberValue {
		it.Skip()
		return 0
	}
	f, err := strconv.ParseFloat(string(it.ReadNumber()), 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0
	}
	return int(f)
}

// readScalarText renders one JSON value the way it would print inside the
// page: strings verbatim, numbers in shortest form, everything else as
// compact JSON.
func readScalarText(it *jsoniter.Iterator) (string, error) {
	switch it.WhatIsNext() {
	case jsoniter.StringValue:
		return it.ReadString(), nil
	case jsoniter.NumberValue:
		n := it.ReadNumber()
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return string(n), nil
		}
		return FormatNumber(f), nil
	case jsoniter.BoolValue:
		return strconv.FormatBool(it.ReadBool()), nil
	case jsoniter.NilValue:
		it.ReadNil()
		return "null", nil
	case jsoniter.ObjectValue, jsoniter.ArrayValue:
		raw := it.SkipAndReturnBytes()
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", err
		}
		return buf.String(), nil
	default:
		it.Skip()
		return "", errors.New("invalid value")
	}
}

// FormatNumber prints f in the shortest round-tripping decimal form, switching
// to exponent notation below 1e-6 and from 1e21 up.
func FormatNumber(f float64) string {
	if f == 0 {
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		mant, exp, ok := strings.Cut(s, "e")
		if !ok || exp == "" {
			return s
		}
		sign, digits := exp[:1], strings.TrimLeft(exp[1:], "0")
		if digits == "" {
			digits = "0"
		}
		return mant + "e" + sign + digits
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
