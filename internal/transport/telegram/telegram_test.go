package telegram

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	"postify/internal/transport"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want transport.FailureKind
	}{
		{name: "unauthorized", err: tele.ErrUnauthorized, want: transport.FailureAuthRevoked},
		{name: "not found", err: &tele.Error{Code: 404, Description: "Not Found"}, want: transport.FailureAuthRevoked},
		{name: "conflict code", err: &tele.Error{Code: 409, Description: "Conflict"}, want: transport.FailureConflict},
		{name: "conflict text", err: fmt.Errorf("telegram: Conflict: terminated by other getUpdates request; make sure that only one bot instance is running (409)"), want: transport.FailureConflict},
		{name: "wrapped", err: fmt.Errorf("open: %w", &tele.Error{Code: 401, Description: "Unauthorized"}), want: transport.FailureAuthRevoked},
		{name: "network", err: errors.New("dial tcp: i/o timeout"), want: transport.FailureUnknown},
		{name: "server", err: fmt.Errorf("telegram: Bad Gateway (502)"), want: transport.FailureUnknown},
		{name: "flood", err: fmt.Errorf("telegram: Too Many Requests: retry after 5 (429)"), want: transport.FailureUnknown},
		{name: "conflict text without code", err: errors.New("Conflict: terminated by other getUpdates request"), want: transport.FailureUnknown},
		{name: "unauthorized text without code", err: errors.New("proxy: unauthorized"), want: transport.FailureUnknown},
		{name: "code not at end", err: errors.New("telegram: (401) upstream said no"), want: transport.FailureUnknown},
		{name: "nil", err: nil, want: transport.FailureUnknown},
		{name: "already classified", err: &transport.Failure{Kind: transport.FailureConflict}, want: transport.FailureConflict},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSplitTextShort(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %q", got)
	}
}

func TestSplitTextPrefersNewline(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10, "")
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("splitText = %q", got)
	}
}

func TestSplitTextKeepsHTMLTags(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("x", 8) + "<b>bold</b>"
	got := splitText(s, 10, "HTML")
	if len(got) < 2 || got[0] != strings.Repeat("x", 8) {
		t.Fatalf("splitText = %q", got)
	}
	if strings.Join(got, "") != s {
		t.Fatalf("chunks lost text: %q", got)
	}
}

func TestSplitTextRuneLimit(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("é", 25)
	got := splitText(s, 10, "")
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for _, c := range got {
		if n := len([]rune(c)); n > 10 {
			t.Fatalf("chunk has %d runes", n)
		}
	}
}
