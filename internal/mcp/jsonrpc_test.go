package mcp

import (
	"encoding/json"
	"testing"
)

func TestDecodeFrame_Response(t *testing.T) {
	resp, notif, err := decodeFrame([]byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`))
	if err != nil {
		t.Fatalf("decodeFrame error: %v", err)
	}
	if notif != nil {
		t.Fatal("frame should not classify as notification")
	}
	if resp == nil || resp.ID != 7 {
		t.Fatalf("resp = %+v, want ID 7", resp)
	}
	if resp.Error != nil {
		t.Errorf("unexpected error payload: %v", resp.Error)
	}
}

func TestDecodeFrame_ErrorResponse(t *testing.T) {
	resp, _, err := decodeFrame([]byte(`{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"method not found"}}`))
	if err != nil {
		t.Fatalf("decodeFrame error: %v", err)
	}
	if resp == nil || resp.Error == nil {
		t.Fatal("expected a response carrying an error")
	}
	if resp.Error.Code != methodNotFound {
		t.Errorf("code = %d, want %d", resp.Error.Code, methodNotFound)
	}
}

func TestDecodeFrame_Notification(t *testing.T) {
	resp, notif, err := decodeFrame([]byte(`{"jsonrpc":"2.0","method":"notifications/tools_changed","params":{"count":3}}`))
	if err != nil {
		t.Fatalf("decodeFrame error: %v", err)
	}
	if resp != nil {
		t.Fatal("frame should not classify as response")
	}
	if notif == nil || notif.Method != "notifications/tools_changed" {
		t.Fatalf("notif = %+v", notif)
	}

	var params struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(notif.Params, &params); err != nil || params.Count != 3 {
		t.Errorf("params = %s, want count 3", notif.Params)
	}
}

func TestDecodeFrame_InvalidJSONIsFatal(t *testing.T) {
	_, _, err := decodeFrame([]byte(`{not json`))
	if err == nil {
		t.Fatal("invalid JSON should return an error")
	}
}

func TestDecodeFrame_UnknownShapeDropped(t *testing.T) {
	// Valid JSON matching neither shape: no error, both nil.
	resp, notif, err := decodeFrame([]byte(`{"jsonrpc":"2.0","id":1}`))
	if err != nil {
		t.Fatalf("decodeFrame error: %v", err)
	}
	if resp != nil || notif != nil {
		t.Error("shapeless frame should decode to all nils")
	}
}

func TestNewNotificationNilParams(t *testing.T) {
	n, err := NewNotification("notifications/initialized", nil)
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	data, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// No params key at all for a nil payload.
	var m map[string]any
	json.Unmarshal(data, &m)
	if _, ok := m["params"]; ok {
		t.Errorf("nil params should be omitted, got %s", data)
	}
}
