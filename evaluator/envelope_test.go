package evaluator

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

var testClock = time.Date(2024, 6, 15, 18, 30, 0, 0, time.UTC)

func TestEncodeRequestRoundTrip(t *testing.T) {
	value := map[string]any{
		"ListPrice": 490000.0,
		"Flags":     []any{true, false, nil},
		"Nested":    map[string]any{"n": 1.5},
	}

	payload, err := encodeRequest("ListPrice > 0", value, testClock, evalConfig{})
	if err != nil {
		t.Fatalf("encodeRequest failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}

	if decoded["expression"] != "ListPrice > 0" {
		t.Errorf("expression = %v", decoded["expression"])
	}
	if !reflect.DeepEqual(decoded["value"], value) {
		t.Errorf("value round-trip mismatch: %#v", decoded["value"])
	}
}

func TestEncodeRequestTimestamps(t *testing.T) {
	payload, err := encodeRequest("1", nil, testClock, evalConfig{})
	if err != nil {
		t.Fatalf("encodeRequest failed: %v", err)
	}

	var req map[string]any
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatal(err)
	}

	now, _ := req["now"].(string)
	if _, err := time.Parse(nowFormat, now); err != nil {
		t.Errorf("now %q does not parse as %s: %v", now, nowFormat, err)
	}
	if !strings.HasPrefix(now, "2024-06-15T18:30:00.000") {
		t.Errorf("now = %q", now)
	}

	date, _ := req["date"].(string)
	if _, err := time.Parse(dateFormat, date); err != nil {
		t.Errorf("date %q does not parse as %s: %v", date, dateFormat, err)
	}
}

func TestEncodeRequestNilValueIsNull(t *testing.T) {
	payload, err := encodeRequest("1", nil, testClock, evalConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(payload), `"value":null`) {
		t.Errorf("nil value must serialize as null, got %s", payload)
	}
}

func TestEncodeRequestPreviousValueTriState(t *testing.T) {
	// Absent: the key must not appear at all.
	absent, err := encodeRequest("1", nil, testClock, evalConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(absent), "previousValue") {
		t.Errorf("previousValue must be omitted when unset, got %s", absent)
	}

	// Explicit null: the key must appear with a null value.
	null, err := encodeRequest("1", nil, testClock, evalConfig{previousSet: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(null), `"previousValue":null`) {
		t.Errorf("explicit nil previous must serialize as null, got %s", null)
	}

	// Populated: the value round-trips.
	set, err := encodeRequest("1", nil, testClock, evalConfig{
		previous:    map[string]any{"ListPrice": 500000},
		previousSet: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(set), `"previousValue":{"ListPrice":500000}`) {
		t.Errorf("previous value mismatch, got %s", set)
	}
}

func TestDecodeResponseData(t *testing.T) {
	got, err := decodeResponse(`{"data":{"ok":true,"n":2},"error":null}`)
	if err != nil {
		t.Fatalf("decodeResponse failed: %v", err)
	}
	want := map[string]any{"ok": true, "n": 2.0}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("data = %#v, want %#v", got, want)
	}
}

func TestDecodeResponseNullData(t *testing.T) {
	got, err := decodeResponse(`{"data":null,"error":null}`)
	if err != nil {
		t.Fatalf("decodeResponse failed: %v", err)
	}
	if got != nil {
		t.Errorf("data = %#v, want nil", got)
	}
}

func TestDecodeResponseErrorWins(t *testing.T) {
	_, err := decodeResponse(`{"data":true,"error":"bad token"}`)
	if err == nil {
		t.Fatal("expected an error")
	}

	var evalErr *EvalError
	if !errors.As(err, &evalErr) {
		t.Fatalf("expected *EvalError, got %T: %v", err, err)
	}
	if evalErr.Message != "bad token" {
		t.Errorf("message = %q, want %q unmodified", evalErr.Message, "bad token")
	}
}

func TestDecodeResponseMalformed(t *testing.T) {
	_, err := decodeResponse(`not json at all`)
	if !errors.Is(err, ErrBadResponse) {
		t.Fatalf("expected ErrBadResponse, got %v", err)
	}
}
