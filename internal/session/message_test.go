package session

import (
	"errors"
	"testing"
	"time"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		wantKind  messageKind
		wantID    string
		wantOwner string
		wantState string
	}{
		{"state report", `{"device_id":"rover-7","owner":"alice","state":{"battery":42}}`, kindStateReport, "rover-7", "alice", `{"battery":42}`},
		{"legacy robot_id", `{"robot_id":"rover-7","owner":"alice","state":"idle"}`, kindStateReport, "rover-7", "alice", `"idle"`},
		{"device_id wins over robot_id", `{"device_id":"a","robot_id":"b","owner":"o","state":1}`, kindStateReport, "a", "o", `1`},
		{"null identity fields", `{"device_id":null,"owner":null,"state":[]}`, kindStateReport, "", "", `[]`},
		{"pong", `{"pong":1700000000000}`, kindPong, "", "", ""},
		{"pong null", `{"pong":null}`, kindPong, "", "", ""},
		{"report with pong key", `{"device_id":"a","owner":"o","state":{},"pong":1}`, kindStateReport, "a", "o", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := parseMessage([]byte(tt.frame))
			if err != nil {
				t.Fatalf("parseMessage() error = %v", err)
			}
			if msg.kind != tt.wantKind {
				t.Fatalf("kind = %v, want %v", msg.kind, tt.wantKind)
			}
			if msg.DisplayID != tt.wantID || msg.Owner != tt.wantOwner || string(msg.State) != tt.wantState {
				t.Errorf("got (%q, %q, %s)", msg.DisplayID, msg.Owner, msg.State)
			}
		})
	}
}

func TestParseMessage_Malformed(t *testing.T) {
	for _, frame := range []string{
		`not json`,
		``,
		`null`,
		`"string"`,
		`[1,2]`,
		`{}`,
		`{"device_id":"a","owner":"o"}`,
		`{"device_id":"a","state":{}}`,
		`{"owner":"o","state":{}}`,
		`{"device_id":"a","owner":"o","state":null}`,
		`{"device_id":7,"owner":"o","state":{}}`,
		`{"device_id":"a","owner":{"name":"o"},"state":{}}`,
	} {
		if _, err := parseMessage([]byte(frame)); !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("parseMessage(%q) error = %v, want ErrMalformedMessage", frame, err)
		}
	}
}

func TestEncodePing(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	if got := string(encodePing(at)); got != `{"ping":1700000000123}` {
		t.Errorf("encodePing() = %s", got)
	}
}
