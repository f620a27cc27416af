package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/modulefactory/pkg/engine"
)

func validBuild() *BuildMessage {
	return &BuildMessage{
		InstanceID:  "inst-1",
		WorkerID:    "i-0abc",
		Token:       "tok-1",
		Destination: "file:///srv/artifacts",
		Timeout:     360,
		CallbackURL: "http://factory:8080/v1/callbacks",
	}
}

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode build message",
			msgType: MessageTypeBuild,
			data:    validBuild(),
		},
		{
			name:    "encode event message",
			msgType: MessageTypeEvent,
			data:    &EventMessage{InstanceID: "inst-1", Level: "info", Stage: "build", Message: "Compiling LiME"},
		},
		{
			name:    "encode done message",
			msgType: MessageTypeDone,
			data:    &DoneMessage{InstanceID: "inst-1", Artifacts: []string{"a", "b"}, Duration: 42.5},
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data:    &ErrorMessage{InstanceID: "inst-1", Code: ErrCodeBuildTimeout, Message: "build exceeded 360s"},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("CMD"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := NewEncoder(&buf).Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			if !strings.HasSuffix(buf.String(), "\n") || strings.Count(buf.String(), "\n") != 1 {
				t.Errorf("Expected exactly one line, got %q", buf.String())
			}
			var msg Message
			if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
				t.Fatalf("Output is not valid JSON: %v", err)
			}
			if msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestEncoder_RejectsInvalidPayloads(t *testing.T) {
	enc := NewEncoder(io.Discard)

	incomplete := validBuild()
	incomplete.Token = ""
	if err := enc.EncodeBuild(incomplete); err == nil {
		t.Error("Expected build message without token to be rejected")
	}
	if err := enc.EncodeEvent(&EventMessage{Level: "trace", Message: "x"}); err == nil {
		t.Error("Expected invalid event level to be rejected")
	}
}

func TestDecoder_Stream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.EncodeEvent(&EventMessage{InstanceID: "inst-1", Level: "info", Message: "started"}); err != nil {
		t.Fatal(err)
	}
	if err := enc.EncodeDone(&DoneMessage{InstanceID: "inst-1", Artifacts: []string{"x.ko"}}); err != nil {
		t.Fatal(err)
	}

	dec := NewDecoder(&buf)
	var types []MessageType
	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		types = append(types, msg.Type)
	}
	if diff := cmp.Diff([]MessageType{MessageTypeEvent, MessageTypeDone}, types); diff != "" {
		t.Errorf("Message types mismatch (-want +got):\n%s", diff)
	}
}

func TestDecoder_DecodeBuild(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:  "valid build",
			input: `{"type":"BUILD","timestamp":"2024-01-01T00:00:00Z","data":{"instance_id":"i","worker_id":"w","token":"t","destination":"file:///x","timeout":360,"callback_url":"http://cb"}}`,
		},
		{
			name:    "wrong message type",
			input:   `{"type":"EVENT","timestamp":"2024-01-01T00:00:00Z","data":{}}`,
			wantErr: true,
		},
		{
			name:    "missing token",
			input:   `{"type":"BUILD","timestamp":"2024-01-01T00:00:00Z","data":{"instance_id":"i","worker_id":"w","destination":"file:///x","timeout":360,"callback_url":"http://cb"}}`,
			wantErr: true,
		},
		{
			name:    "invalid timeout",
			input:   `{"type":"BUILD","timestamp":"2024-01-01T00:00:00Z","data":{"instance_id":"i","worker_id":"w","token":"t","destination":"file:///x","timeout":0,"callback_url":"http://cb"}}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			input:   `{invalid`,
			wantErr: true,
		},
		{
			name:    "empty line",
			input:   ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(strings.NewReader(tt.input + "\n")).DecodeBuild()
			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeBuild() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildMessage_SpecConversion(t *testing.T) {
	spec := engine.BuildSpec{
		InstanceID:    "inst-1",
		WorkerID:      "i-0abc",
		KernelVersion: "5.10.0-1057-aws",
		Artifacts:     engine.ArtifactKeys("sftp://store/forensics", "i-0abc", "5.10.0-1057-aws"),
		BuildTimeout:  360 * time.Second,
		CallbackURL:   "http://factory/v1/callbacks",
	}

	data, err := MarshalBuild(NewBuildMessage(spec, "tok-1"))
	if err != nil {
		t.Fatalf("MarshalBuild failed: %v", err)
	}

	build, err := NewDecoder(bytes.NewReader(data)).DecodeBuild()
	if err != nil {
		t.Fatalf("DecodeBuild failed: %v", err)
	}
	if build.Token != "tok-1" {
		t.Errorf("Token = %q", build.Token)
	}
	if diff := cmp.Diff(spec, build.Spec()); diff != "" {
		t.Errorf("Spec mismatch (-want +got):\n%s", diff)
	}
}

func TestCallbackRequest_Signal(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var req CallbackRequest
	body := `{"token":"tok-1","result":{"instanceIdentifier":"i-0abc"}}`
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatal(err)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	sig := req.Signal(at)
	if sig.Status != engine.SignalStatusSucceeded {
		t.Errorf("Expected default status succeeded, got %s", sig.Status)
	}
	if sig.Result.InstanceIdentifier != "i-0abc" || !sig.ReceivedAt.Equal(at) {
		t.Errorf("Unexpected signal %+v", sig)
	}

	bad := CallbackRequest{Token: "t", Status: "maybe"}
	if err := bad.Validate(); err == nil {
		t.Error("Expected unknown status to be rejected")
	}
	if err := (&CallbackRequest{}).Validate(); err == nil {
		t.Error("Expected missing token to be rejected")
	}
}
