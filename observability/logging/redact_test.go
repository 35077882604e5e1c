package logging

import "testing"

func TestMaskField(t *testing.T) {
	if got := MaskField("network_secret", "hunter2"); got.Value.String() != RedactedValue {
		t.Fatalf("secret value leaked: %q", got.Value.String())
	}
	if got := MaskField("Token", "abc"); got.Value.String() != RedactedValue {
		t.Fatalf("key matching must be case insensitive: %q", got.Value.String())
	}
	if got := MaskField("network_secret", ""); got.Value.String() != "" {
		t.Fatalf("empty values must pass through")
	}
	if got := MaskField("peer", "0a1b2c"); got.Value.String() != "0a1b2c" {
		t.Fatalf("public identities must not be masked")
	}
}
