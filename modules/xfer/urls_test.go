package xfer

import "testing"

func TestRewriteAltPort(t *testing.T) {
	tests := []struct {
		in     string
		useAlt bool
		want   string
	}{
		{"http://host.example/dl/abc", true, "http://host.example:8080/dl/abc"},
		{"http://host.example:8080/dl/abc", false, "http://host.example/dl/abc"},
		{"http://host.example:8080/dl/abc", true, "http://host.example:8080/dl/abc"},
		{"http://host.example/dl/abc", false, "http://host.example/dl/abc"},
		{"https://host.example/dl/abc", true, "https://host.example/dl/abc"},
		{"not a url", true, "not a url"},
	}
	for _, tt := range tests {
		if got := rewriteAltPort(tt.in, tt.useAlt); got != tt.want {
			t.Errorf("rewriteAltPort(%q, %v) = %q, want %q", tt.in, tt.useAlt, got, tt.want)
		}
	}
}
