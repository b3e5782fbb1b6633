package types

import "testing"

func TestChannelURIRoundTrip(t *testing.T) {
	uri := ChannelURI{ChannelID: 42, Protocol: "CacheServiceProtocol"}
	raw := uri.String()
	if raw != "channel:42#CacheServiceProtocol" {
		t.Fatalf("unexpected uri form %q", raw)
	}

	parsed, err := ParseChannelURI(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != uri {
		t.Fatalf("round trip mismatch: %+v != %+v", parsed, uri)
	}
}

func TestChannelURINegativeID(t *testing.T) {
	parsed, err := ParseChannelURI("channel:-7#PeerProtocol")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.ChannelID != -7 {
		t.Fatalf("expected id -7, got %d", parsed.ChannelID)
	}
}

func TestChannelURIRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"chan:1#P",
		"channel:1",
		"channel:#P",
		"channel:12#",
		"channel:twelve#P",
	} {
		if _, err := ParseChannelURI(raw); err == nil {
			t.Errorf("expected %q to be rejected", raw)
		}
	}
}
