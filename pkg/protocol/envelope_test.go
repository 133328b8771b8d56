package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		msgID   string
		payload any
		wantErr bool
	}{
		{
			name:    "offer request",
			msgType: TypeOffer,
			msgID:   "test123",
			payload: OfferRequest{PeerID: "peer1", Path: "/tmp/report.pdf"},
		},
		{
			name:    "error message",
			msgType: TypeError,
			msgID:   "test456",
			payload: Error{Code: CodeBadRequest, Message: "missing session_id"},
		},
		{
			name:    "nil payload",
			msgType: TypeListPeers,
			msgID:   "test000",
			payload: nil,
		},
		{
			name:    "unmarshalable payload",
			msgType: TypeEvent,
			msgID:   "bad",
			payload: map[string]any{"ch": make(chan int)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := NewEnvelope(tt.msgType, tt.msgID, tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEnvelope() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if env.V != ProtocolVersion {
				t.Errorf("NewEnvelope() V = %d, want %d", env.V, ProtocolVersion)
			}
			if env.Type != tt.msgType {
				t.Errorf("NewEnvelope() Type = %s, want %s", env.Type, tt.msgType)
			}
			if env.MsgID != tt.msgID {
				t.Errorf("NewEnvelope() MsgID = %s, want %s", env.MsgID, tt.msgID)
			}
			if tt.payload == nil && env.Payload != nil {
				t.Errorf("NewEnvelope() Payload = %s, want none", env.Payload)
			}
		})
	}
}

func TestNewReplyCorrelates(t *testing.T) {
	req, err := NewEnvelope(TypeCancel, NewMsgID(), CancelRequest{SessionID: "s1"})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	req.SessionID = "s1"

	reply, err := NewReply(req, TypeOK, nil)
	if err != nil {
		t.Fatalf("NewReply() error = %v", err)
	}
	if reply.ReplyTo != req.MsgID {
		t.Errorf("ReplyTo = %s, want %s", reply.ReplyTo, req.MsgID)
	}
	if reply.MsgID == req.MsgID {
		t.Error("reply reused the request msg_id")
	}
	if reply.SessionID != "s1" {
		t.Errorf("SessionID = %s, want s1", reply.SessionID)
	}

	errEnv := NewErrorReply(req, "state_violation", "session is terminal")
	var decoded Error
	if err := errEnv.DecodePayload(&decoded); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if errEnv.Type != TypeError || errEnv.ReplyTo != req.MsgID {
		t.Errorf("error reply = %+v", errEnv)
	}
	if decoded.Error() != "state_violation: session is terminal" {
		t.Errorf("Error() = %q", decoded.Error())
	}
}

func TestEnvelope_UnknownFieldsIgnored(t *testing.T) {
	jsonData := `{
		"v": 1,
		"type": "respond",
		"msg_id": "test123",
		"from": "peer1",
		"unknown_field": "should be ignored",
		"payload": {"session_id":"s1","accept":true,"extra":1}
	}`

	var env Envelope
	if err := json.Unmarshal([]byte(jsonData), &env); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("ValidateBasic() error = %v", err)
	}

	var req RespondRequest
	if err := env.DecodePayload(&req); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if req.SessionID != "s1" || !req.Accept {
		t.Errorf("DecodePayload() = %+v", req)
	}
}

func TestEnvelope_DecodeEmptyPayload(t *testing.T) {
	env, _ := NewEnvelope(TypeListPeers, "x", nil)
	var out PeerList
	if err := env.DecodePayload(&out); err == nil {
		t.Error("DecodePayload() on empty payload succeeded")
	}
}

func TestEnvelope_ValidateBasic(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{
			name: "valid envelope",
			env:  Envelope{V: ProtocolVersion, Type: TypeHello, MsgID: "test123"},
		},
		{
			name:    "wrong version",
			env:     Envelope{V: 999, Type: TypeHello, MsgID: "test123"},
			wantErr: "invalid protocol version",
		},
		{
			name:    "missing type",
			env:     Envelope{V: ProtocolVersion, MsgID: "test123"},
			wantErr: "type is required",
		},
		{
			name:    "missing msg_id",
			env:     Envelope{V: ProtocolVersion, Type: TypeHello},
			wantErr: "msg_id is required",
		},
		{
			name:    "missing both type and msg_id",
			env:     Envelope{V: ProtocolVersion},
			wantErr: "type is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.ValidateBasic()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateBasic() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.HasPrefix(err.Error(), tt.wantErr) {
				t.Errorf("ValidateBasic() error = %v, want %s", err, tt.wantErr)
			}
		})
	}
}

func TestNewMsgID(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMsgID()
		if len(id) != 36 {
			t.Errorf("NewMsgID() length = %d, want 36", len(id))
		}
		if ids[id] {
			t.Errorf("NewMsgID() generated duplicate ID: %s", id)
		}
		ids[id] = true
	}
}
