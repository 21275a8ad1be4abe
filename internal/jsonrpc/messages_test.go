package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestAnyMessage_Classification(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{name: "request", raw: `{"jsonrpc":"2.0","method":"ping","id":1}`, want: KindRequest},
		{name: "notification", raw: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, want: KindNotification},
		{name: "null id is a notification", raw: `{"jsonrpc":"2.0","method":"ping","id":null}`, want: KindNotification},
		{name: "response", raw: `{"jsonrpc":"2.0","result":{},"id":"a"}`, want: KindResponse},
		{name: "error response", raw: `{"jsonrpc":"2.0","error":{"code":-32600,"message":"x"},"id":"a"}`, want: KindResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got := m.Type(); got != tt.want {
				t.Fatalf("Type() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAnyMessage_RejectsInvalid(t *testing.T) {
	for _, raw := range []string{
		`{"jsonrpc":"1.0","method":"ping","id":1}`,
		`{"jsonrpc":"2.0","method":"ping","result":{},"id":1}`,
		`{"jsonrpc":"2.0","result":{},"error":{"code":1,"message":"x"},"id":1}`,
		`{"jsonrpc":"2.0","id":1}`,
		`{"jsonrpc":"2.0","method":"ping","id":true}`,
		`not json`,
	} {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestDecode_Batch(t *testing.T) {
	_, err := Decode([]byte("  \n[{\"jsonrpc\":\"2.0\",\"method\":\"ping\",\"id\":1}]"))
	if !errors.Is(err, ErrBatch) {
		t.Fatalf("expected ErrBatch, got %v", err)
	}
}

func TestIsRequestFor(t *testing.T) {
	m, err := Decode([]byte(`{"jsonrpc":"2.0","method":"initialize","id":0}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !m.IsRequestFor("initialize") {
		t.Fatalf("expected initialize request")
	}
	if m.IsRequestFor("ping") {
		t.Fatalf("unexpected match for ping")
	}

	n, err := Decode([]byte(`{"jsonrpc":"2.0","method":"initialize"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n.IsRequestFor("initialize") {
		t.Fatalf("notification must not count as a request")
	}
}

func TestRejection_NullID(t *testing.T) {
	b, err := json.Marshal(NewRejection(ErrorCodeServerError, "bad"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"jsonrpc":"2.0","error":{"code":-32000,"message":"bad"},"id":null}`; string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	for _, raw := range []string{`1`, `"1"`, `9007199254740993`, `1.5`, `"abc"`} {
		var id RequestID
		if err := json.Unmarshal([]byte(raw), &id); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		b, err := json.Marshal(&id)
		if err != nil {
			t.Fatalf("marshal %s: %v", raw, err)
		}
		if string(b) != raw {
			t.Fatalf("round trip of %s produced %s", raw, b)
		}
	}
}

func TestRequestID_KeyDistinguishesTypes(t *testing.T) {
	if NewRequestID(1).Key() == NewRequestID("1").Key() {
		t.Fatalf("numeric and string ids must not share a key")
	}
	if NewRequestID(int64(7)).Key() != NewRequestID(7).Key() {
		t.Fatalf("equal numeric ids must share a key")
	}
	if NewRequestID(1).String() != "1" || NewRequestID("1").String() != "1" {
		t.Fatalf("unexpected String rendering")
	}
	if !NewRequestID(struct{}{}).IsNil() {
		t.Fatalf("unsupported types must produce a null id")
	}
}
