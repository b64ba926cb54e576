package signaling

import (
	"strings"
	"testing"
)

func TestParseMessage_Valid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want MessageType
	}{
		{"join", `{"type":"join-session","sessionId":"s1"}`, MessageTypeJoinSession},
		{"offer", `{"type":"signal:offer","to":"bob","sessionId":"s1","data":{"type":"offer","sdp":"v=0"}}`, MessageTypeOffer},
		{"answer", `{"type":"signal:answer","data":{"type":"answer","sdp":"v=0"}}`, MessageTypeAnswer},
		{"candidate", `{"type":"signal:ice-candidate","data":{"candidate":"candidate:1 1 udp 1 1.2.3.4 5 typ host"}}`, MessageTypeICECandidate},
		{"state", `{"type":"signal:connection-state","data":"connected"}`, MessageTypeConnectionState},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tc.raw))
			if err != nil {
				t.Fatalf("ParseMessage: %v", err)
			}
			if msg.Type != tc.want {
				t.Fatalf("Type: got %q, want %q", msg.Type, tc.want)
			}
		})
	}
}

func TestParseMessage_Invalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ``},
		{"not json", `hello`},
		{"unknown type", `{"type":"signal:transfer","data":{}}`},
		{"unknown field", `{"type":"join-session","sessionId":"s1","extra":1}`},
		{"trailing data", `{"type":"join-session","sessionId":"s1"}{}`},
		{"join without session", `{"type":"join-session"}`},
		{"join with payload", `{"type":"join-session","sessionId":"s1","data":{}}`},
		{"offer without data", `{"type":"signal:offer"}`},
		{"server-only joined", `{"type":"joined","sessionId":"s1"}`},
		{"server-only peer joined", `{"type":"peer:joined","identity":"alice"}`},
		{"server-only error", `{"type":"error","code":"x","reason":"y"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseMessage([]byte(tc.raw)); err == nil {
				t.Fatalf("want error for %s", tc.name)
			}
		})
	}
}

func TestParseMessage_ErrorMentionsType(t *testing.T) {
	_, err := ParseMessage([]byte(`{"type":"signal:ice-candidate"}`))
	if err == nil || !strings.Contains(err.Error(), "signal:ice-candidate") {
		t.Fatalf("error should name the offending type, got %v", err)
	}
}
