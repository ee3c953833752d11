package transport

import "testing"

func TestParseChatTarget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		ok   bool
		want string
	}{
		{raw: "-1001234567890", ok: true, want: "-1001234567890"},
		{raw: " 42 ", ok: true, want: "42"},
		{raw: "@boardgames", ok: true, want: "@boardgames"},
		{raw: "@", ok: false},
		{raw: "0", ok: false},
		{raw: "abc", ok: false},
		{raw: "", ok: false},
	}
	for _, tt := range tests {
		got, ok := ParseChatTarget(tt.raw)
		if ok != tt.ok {
			t.Fatalf("ParseChatTarget(%q) ok = %v, want %v", tt.raw, ok, tt.ok)
		}
		if ok && got.String() != tt.want {
			t.Fatalf("ParseChatTarget(%q) = %q, want %q", tt.raw, got.String(), tt.want)
		}
	}
}
