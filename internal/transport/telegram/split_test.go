package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        string
		limit     int
		parseMode string
		want      []string
	}{
		{name: "short", in: "hello", limit: 10, want: []string{"hello"}},
		{name: "exact", in: "0123456789", limit: 10, want: []string{"0123456789"}},
		{name: "hard cut", in: "0123456789abc", limit: 10, want: []string{"0123456789", "abc"}},
		{name: "newline preferred", in: "aaaaaa\nbbbbbbbb", limit: 10, want: []string{"aaaaaa", "bbbbbbbb"}},
		{name: "tiny newline ignored", in: "a\nbbbbbbbbbbbb", limit: 10, want: []string{"a\nbbbbbbbb", "bbbb"}},
		{name: "html tag kept whole", in: "abcdef<b>x</b>", limit: 8, parseMode: "HTML", want: []string{"abcdef", "<b>x</b>"}},
		{name: "runes not bytes", in: "ййййй", limit: 3, want: []string{"ййй", "йй"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tc.in, tc.limit, tc.parseMode)
			if strings.Join(got, "|") != strings.Join(tc.want, "|") {
				t.Fatalf("splitText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSplitTextRespectsLimit(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("line of text\n", 1000)
	for _, chunk := range splitText(long, textLimit, "") {
		if n := utf8.RuneCountInString(chunk); n > textLimit {
			t.Fatalf("chunk has %d runes", n)
		}
	}
}
