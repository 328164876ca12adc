package evaluator

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire formats for the timestamp fields. The guest is fully sandboxed and
// cannot read a clock, so the current time and the host-local calendar
// date are shipped in with every request.
const (
	nowFormat  = "2006-01-02T15:04:05.000Z07:00"
	dateFormat = "2006-01-02"
)

// request is the JSON envelope written into guest memory. PreviousValue
// is tri-state: a nil RawMessage drops the key entirely, which the guest
// distinguishes from an explicit null when resolving LAST references.
type request struct {
	Expression    string          `json:"expression"`
	Value         json.RawMessage `json:"value"`
	PreviousValue json.RawMessage `json:"previousValue,omitempty"`
	Now           string          `json:"now"`
	Date          string          `json:"date"`
}

// response is the JSON envelope the guest hands back through the output
// import. The guest writes both keys; a non-null error always wins.
type response struct {
	Data  json.RawMessage `json:"data"`
	Error *string         `json:"error"`
}

func encodeRequest(expression string, value any, at time.Time, cfg evalConfig) ([]byte, error) {
	rawValue, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}

	req := request{
		Expression: expression,
		Value:      rawValue,
		Now:        at.UTC().Format(nowFormat),
		Date:       at.Local().Format(dateFormat),
	}

	if cfg.previousSet {
		raw, err := json.Marshal(cfg.previous)
		if err != nil {
			return nil, fmt.Errorf("encode previous value: %w", err)
		}
		req.PreviousValue = raw
	}

	return json.Marshal(req)
}

func decodeResponse(text string) (any, error) {
	var resp response
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	if resp.Error != nil {
		return nil, &EvalError{Message: *resp.Error}
	}

	var data any
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
	}
	return data, nil
}
