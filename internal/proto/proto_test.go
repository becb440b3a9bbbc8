package proto

import (
	"testing"
)

func TestDecodeMessageClassification(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		check   func(t *testing.T, msg Message)
	}{
		{
			name:    "request",
			payload: `{"id":7,"method":"analysis.getDiagnostics","params":{"file":"a.dart"}}`,
			check: func(t *testing.T, msg Message) {
				if msg.Request == nil {
					t.Fatal("expected a request")
				}
				if msg.Request.ID != 7 || msg.Request.Method != MethodGetDiagnostics {
					t.Fatalf("unexpected request: %+v", msg.Request)
				}
			},
		},
		{
			name:    "response",
			payload: `{"id":7,"result":{"files":{}}}`,
			check: func(t *testing.T, msg Message) {
				if msg.Response == nil {
					t.Fatal("expected a response")
				}
				if msg.Response.ID != 7 || msg.Response.Error != nil {
					t.Fatalf("unexpected response: %+v", msg.Response)
				}
			},
		},
		{
			name:    "error response",
			payload: `{"id":3,"error":{"code":"INVALID_PARAMS","message":"bad file"}}`,
			check: func(t *testing.T, msg Message) {
				if msg.Response == nil || msg.Response.Error == nil {
					t.Fatal("expected an error response")
				}
				if msg.Response.Error.Code != "INVALID_PARAMS" {
					t.Fatalf("unexpected error: %+v", msg.Response.Error)
				}
			},
		},
		{
			name:    "notification",
			payload: `{"method":"analysis.diagnostics","params":{"file":"a.dart","diagnostics":[]}}`,
			check: func(t *testing.T, msg Message) {
				if msg.Notification == nil {
					t.Fatal("expected a notification")
				}
				if msg.Notification.Method != NotifyDiagnostics {
					t.Fatalf("unexpected method: %q", msg.Notification.Method)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := DecodeMessage([]byte(tc.payload))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			tc.check(t, msg)
		})
	}
}

func TestDecodeMessageRejectsEmptyEnvelope(t *testing.T) {
	if _, err := DecodeMessage([]byte(`{"params":{}}`)); err == nil {
		t.Fatal("expected error for frame without id or method")
	}
}

func TestDecodeMessageRejectsTrailingData(t *testing.T) {
	if _, err := DecodeMessage([]byte(`{"method":"x"}{"method":"y"}`)); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestUnmarshalParamsStrict(t *testing.T) {
	var params GetDiagnosticsParams
	err := UnmarshalParams([]byte(`{"file":"a.dart","bogus":1}`), &params)
	if err == nil {
		t.Fatal("expected unknown-field error")
	}

	if err := UnmarshalParams([]byte(`{"file":"a.dart"}`), &params); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if params.File != "a.dart" {
		t.Fatalf("unexpected params: %+v", params)
	}

	if err := UnmarshalParams(nil, &params); err == nil {
		t.Fatal("expected error for missing params")
	}
}

func TestEncodeRequestValidation(t *testing.T) {
	if _, err := EncodeRequest(Request{ID: 1}); err == nil {
		t.Fatal("expected error for request without method")
	}
	payload, err := EncodeRequest(Request{ID: 1, Method: MethodShutdown})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := DecodeMessage(payload)
	if err != nil || msg.Request == nil {
		t.Fatalf("round trip failed: %v %+v", err, msg)
	}
}

func TestIsHostMethod(t *testing.T) {
	for _, method := range []string{
		MethodSetRoots, MethodSetPriorityFiles, MethodSetSubscriptions,
		MethodUpdateContent, MethodGetDiagnostics, MethodGetFixes,
		MethodGetAssists, MethodGetAvailableRefactorings,
		MethodGetRefactoring, MethodGetNavigation, MethodVersionCheck,
		MethodShutdown,
	} {
		if !IsHostMethod(method) {
			t.Fatalf("%q should be a host method", method)
		}
	}
	if IsHostMethod("analysis.reanalyze") {
		t.Fatal("unknown method should not be a host method")
	}
}
