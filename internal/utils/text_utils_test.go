package utils

import (
	"testing"
	"unicode/utf8"

	"go.uber.org/zap"
)

func TestTruncateText(t *testing.T) {
	tp := NewTextProcessor(zap.NewNop())

	if got := tp.TruncateText("short", 10); got != "short" {
		t.Errorf("TruncateText kept %q, want short", got)
	}
	if got := tp.TruncateText("unbounded", 0); got != "unbounded" {
		t.Errorf("TruncateText with no limit = %q", got)
	}

	// the cut falls inside the two-byte é
	got := tp.TruncateText("héllo", 2)
	if got != "h" {
		t.Errorf("TruncateText = %q, want h", got)
	}
	if !utf8.ValidString(got) {
		t.Error("truncated text is not valid UTF-8")
	}
}

func TestSanitizeUTF8(t *testing.T) {
	tp := NewTextProcessor(zap.NewNop())
	if got := tp.SanitizeUTF8("ok\xffdone"); got != "okdone" {
		t.Errorf("SanitizeUTF8 = %q, want okdone", got)
	}
}

func TestStripHTML(t *testing.T) {
	tp := NewTextProcessor(zap.NewNop())

	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"<p>Hello<br/>world</p>", "Hello world"},
		{"<style>p{color:red}</style><b>Win</b><script>alert(1)</script>", "Win"},
	}
	for _, tt := range tests {
		if got := tp.StripHTML(tt.in); got != tt.want {
			t.Errorf("StripHTML(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	tp := NewTextProcessor(zap.NewNop())

	tests := []struct {
		in   string
		want string
	}{
		{"<b>HELLO</b>", "hello"},
		{"ＦＲＥＥ", "free"},
		{"Ganá DINERO", "ganá dinero"},
	}
	for _, tt := range tests {
		if got := tp.Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
