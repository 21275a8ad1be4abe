package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a string or numeric request id. Numeric ids keep their
// original textual form so they echo back exactly as received.
type RequestID struct {
	str    string
	num    json.Number
	isNum  bool
	isNull bool
}

// NewRequestID builds an id from a string or any integer or float value.
// Unsupported types produce a null id.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string:
		return &RequestID{str: v}
	case int:
		return numericID(strconv.FormatInt(int64(v), 10))
	case int32:
		return numericID(strconv.FormatInt(int64(v), 10))
	case int64:
		return numericID(strconv.FormatInt(v, 10))
	case uint:
		return numericID(strconv.FormatUint(uint64(v), 10))
	case uint32:
		return numericID(strconv.FormatUint(uint64(v), 10))
	case uint64:
		return numericID(strconv.FormatUint(v, 10))
	case float64:
		return numericID(strconv.FormatFloat(v, 'f', -1, 64))
	case json.Number:
		return numericID(v.String())
	default:
		return &RequestID{isNull: true}
	}
}

func numericID(s string) *RequestID {
	return &RequestID{num: json.Number(s), isNum: true}
}

// String is the id's text; numbers render without quotes. Nil and null ids
// render as the empty string.
func (id *RequestID) String() string {
	switch {
	case id.IsNil():
		return ""
	case id.isNum:
		return id.num.String()
	default:
		return id.str
	}
}

// Key is a map key that keeps the string "1" distinct from the number 1.
func (id *RequestID) Key() string {
	switch {
	case id.IsNil():
		return ""
	case id.isNum:
		return "n:" + id.num.String()
	default:
		return "s:" + id.str
	}
}

// IsNil reports whether the id is absent or null.
func (id *RequestID) IsNil() bool {
	return id == nil || id.isNull
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	switch {
	case id.IsNil():
		return []byte("null"), nil
	case id.isNum:
		return []byte(id.num), nil
	default:
		return json.Marshal(id.str)
	}
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	*id = RequestID{}
	switch {
	case bytes.Equal(data, []byte("null")):
		id.isNull = true
		return nil
	case len(data) > 0 && data[0] == '"':
		return json.Unmarshal(data, &id.str)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("JSON-RPC id must be a string or number, got: %s", data)
	}
	id.num, id.isNum = n, true
	return nil
}
