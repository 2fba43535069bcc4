package bus

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/gioruanova/fasttrack-push/internal/model"
)

func TestEncodeWireFormat(t *testing.T) {
	tests := []struct {
		env  Envelope
		want string
	}{
		{ClientPing{Timestamp: 10}, `{"type":"CLIENT_PING","timestamp":10}`},
		{SkipWaiting{}, `{"type":"SKIP_WAITING"}`},
		{NavigateTo{URL: "/dashboard"}, `{"type":"NAVIGATE_TO","url":"/dashboard"}`},
		{NotificationError{Error: "boom"}, `{"type":"NOTIFICATION_ERROR","error":"boom"}`},
		{PushReceived{Data: json.RawMessage(`{"title":"T"}`)}, `{"type":"PUSH_RECEIVED","data":{"title":"T"}}`},
	}
	for _, tt := range tests {
		got, err := Encode(tt.env)
		if err != nil {
			t.Fatalf("encode %T: %v", tt.env, err)
		}
		if string(got) != tt.want {
			t.Errorf("encode %T = %s, want %s", tt.env, got, tt.want)
		}
	}
}

func TestNotificationShownCarriesData(t *testing.T) {
	env := NotificationShown{
		Data:   model.ShownNotification{ID: "1", Title: "T", Body: "B", Path: "/dashboard/owner/x"},
		Source: "tab-1",
	}
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var raw map[string]any
	json.Unmarshal(data, &raw)
	inner, ok := raw["data"].(map[string]any)
	if !ok {
		t.Fatalf("data = %v, want object", raw["data"])
	}
	if inner["path"] != "/dashboard/owner/x" {
		t.Errorf("data.path = %v, want /dashboard/owner/x", inner["path"])
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	shown, ok := got.(NotificationShown)
	if !ok {
		t.Fatalf("decoded %T, want NotificationShown", got)
	}
	if shown.Data.Title != "T" || shown.Source != "tab-1" {
		t.Errorf("decoded = %+v", shown)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	env, err := Decode([]byte(`{"type":"FUTURE_THING","payload":1}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	u, ok := env.(Unknown)
	if !ok {
		t.Fatalf("decoded %T, want Unknown", env)
	}
	if u.Type() != "FUTURE_THING" {
		t.Errorf("type = %q, want FUTURE_THING", u.Type())
	}
}

func TestDecodeMalformedShownIsUnknown(t *testing.T) {
	env, err := Decode([]byte(`{"type":"NOTIFICATION_SHOWN","data":"not an object"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := env.(Unknown); !ok {
		t.Errorf("decoded %T, want Unknown", env)
	}
}

func TestDecodeRejectsNonEnvelopes(t *testing.T) {
	if _, err := Decode([]byte(`{"url":"/x"}`)); !errors.Is(err, ErrMissingType) {
		t.Errorf("missing type = %v, want ErrMissingType", err)
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("expected error for non-JSON message")
	}
}
