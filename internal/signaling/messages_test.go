package signaling

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseBrowserPayloads(t *testing.T) {
	// Payloads exactly as the browser page publishes them.
	cases := []struct {
		name string
		raw  string
		want MessageType
	}{
		{"call request", `{"type":"call_request","from":"alice"}`, TypeCallRequest},
		{"call accepted", `{"type":"call_accepted","from":"bob"}`, TypeCallAccepted},
		{"offer", `{"type":"offer","sdp":{"type":"offer","sdp":"v=0\r\n"},"from":"alice"}`, TypeOffer},
		{"answer", `{"type":"answer","sdp":{"type":"answer","sdp":"v=0\r\n"},"from":"bob"}`, TypeAnswer},
		{"candidate without from", `{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 2122260223 192.168.1.2 54321 typ host","sdpMid":"0","sdpMLineIndex":0}}`, TypeCandidate},
		{"call ended", `{"type":"call_ended","from":"bob","reason":"hangup"}`, TypeCallEnded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Parse([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if m.Type != tc.want {
				t.Errorf("Type = %q, want %q", m.Type, tc.want)
			}
		})
	}
}

func TestParseCandidateFields(t *testing.T) {
	m, err := Parse([]byte(`{"type":"candidate","from":"bob","candidate":{"candidate":"c","sdpMid":"1","sdpMLineIndex":1,"usernameFragment":"uf"}}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	c := m.Candidate
	if c.SDPMid == nil || *c.SDPMid != "1" {
		t.Errorf("sdpMid = %v, want 1", c.SDPMid)
	}
	if c.SDPMLineIndex == nil || *c.SDPMLineIndex != 1 {
		t.Errorf("sdpMLineIndex = %v, want 1", c.SDPMLineIndex)
	}
	if c.UsernameFragment == nil || *c.UsernameFragment != "uf" {
		t.Errorf("usernameFragment = %v, want uf", c.UsernameFragment)
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `hello`, ErrMalformed},
		{"missing type", `{"from":"alice"}`, ErrMalformed},
		{"unknown type", `{"type":"chat","from":"alice"}`, ErrUnknownType},
		{"request without from", `{"type":"call_request"}`, ErrMalformed},
		{"offer without sdp", `{"type":"offer","from":"alice"}`, ErrMalformed},
		{"offer with empty sdp", `{"type":"offer","from":"alice","sdp":{"type":"offer","sdp":" "}}`, ErrMalformed},
		{"answer carrying offer", `{"type":"answer","from":"bob","sdp":{"type":"offer","sdp":"v=0"}}`, ErrMalformed},
		{"candidate without payload", `{"type":"candidate","from":"bob"}`, ErrMalformed},
		{"wrong field type", `{"type":"offer","from":"alice","sdp":"v=0"}`, ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			if !errors.Is(err, tc.want) {
				t.Errorf("Parse(%s) error = %v, want %v", tc.raw, err, tc.want)
			}
		})
	}
}

func TestParseFillsDescriptionType(t *testing.T) {
	m, err := Parse([]byte(`{"type":"answer","from":"bob","sdp":{"sdp":"v=0"}}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if m.SDP.Type != "answer" {
		t.Errorf("sdp.type = %q, want answer", m.SDP.Type)
	}
}

func TestEncodeUsesBrowserFieldNames(t *testing.T) {
	data, err := Encode(Offer("alice", SessionDescription{SDP: "v=0"}))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	sdp, ok := raw["sdp"].(map[string]any)
	if !ok || sdp["type"] != "offer" || sdp["sdp"] != "v=0" {
		t.Errorf("unexpected sdp field: %s", data)
	}
	if raw["from"] != "alice" {
		t.Errorf("from = %v, want alice", raw["from"])
	}
	if _, ok := raw["candidate"]; ok {
		t.Errorf("offer should not carry a candidate field: %s", data)
	}
}

func TestEncodeRefusesInvalid(t *testing.T) {
	if _, err := Encode(Message{Type: TypeCallRequest}); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestValidateID(t *testing.T) {
	valid := []string{"alice", "bob-2", "Ünïcode", strings.Repeat("x", MaxIDLength)}
	for _, id := range valid {
		if err := ValidateID(id); err != nil {
			t.Errorf("ValidateID(%q) = %v, want nil", id, err)
		}
	}
	invalid := []string{"", "a/b", "a+", "#", "nul\x00", strings.Repeat("x", MaxIDLength+1)}
	for _, id := range invalid {
		if err := ValidateID(id); err == nil {
			t.Errorf("ValidateID(%q) = nil, want error", id)
		}
	}
}

func TestTopic(t *testing.T) {
	if got := Topic("vchat", "alice"); got != "vchat/alice" {
		t.Errorf("Topic = %q, want vchat/alice", got)
	}
}
