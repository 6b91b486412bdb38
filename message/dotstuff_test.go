package message

import (
	"strings"
	"testing"
	"time"

	"github.com/migadu/popbridge/backend"
)

func TestDotStuff(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "No dots",
			input:    "Line 1\r\nLine 2\r\nLine 3",
			expected: "Line 1\r\nLine 2\r\nLine 3",
		},
		{
			name:     "Dot at start of line",
			input:    ".Line 1\r\nLine 2\r\n.Line 3",
			expected: "..Line 1\r\nLine 2\r\n..Line 3",
		},
		{
			name:     "Dot terminator in body",
			input:    "Line 1\r\n.\r\nLine 2",
			expected: "Line 1\r\n..\r\nLine 2",
		},
		{
			name:     "Multiple dots at line start",
			input:    "..Already stuffed\r\n.Another",
			expected: "...Already stuffed\r\n..Another",
		},
		{
			name:     "Dot in middle of line",
			input:    "This is a . in the middle\r\nAnother line",
			expected: "This is a . in the middle\r\nAnother line",
		},
		{
			name:     "Empty message",
			input:    "",
			expected: "",
		},
		{
			name:     "Single dot",
			input:    ".",
			expected: "..",
		},
		{
			name:     "Just terminator sequence",
			input:    ".\r\n",
			expected: "..\r\n",
		},
		{
			name:     "Quoted-printable soft break before a dot",
			input:    "Totals for the quarter are in the attached sheet, see row 12=\r\n.5 percent up\r\n",
			expected: "Totals for the quarter are in the attached sheet, see row 12=\r\n..5 percent up\r\n",
		},
		{
			name:     "Base64 padding dot at end of line",
			input:    "iVBORw0KGgo=\r\nAAAA.\r\n",
			expected: "iVBORw0KGgo=\r\nAAAA.\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DotStuff(tt.input); got != tt.expected {
				t.Errorf("DotStuff() = %q, want %q", got, tt.expected)
			}
		})
	}
}

// A rendered message full of dotted lines, including ones the
// quoted-printable encoder wraps, never yields a bare "." line and unstuffs
// back to the rendered bytes.
func TestMaterializeDotStuffsEncodedBody(t *testing.T) {
	var body strings.Builder
	for i := 0; i < 20; i++ {
		body.WriteString(strings.Repeat("x", i*7))
		body.WriteString(". .\r\n.\r\n..dots\r\n")
	}
	text := body.String()
	msg := &backend.Message{
		Ref:      backend.Ref{ID: "AAMk-dots"},
		Subject:  "dots",
		Received: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
		TextBody: &text,
	}

	raw, err := Render(msg, Options{Location: time.UTC})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	stuffed, err := Materialize(msg, Options{Location: time.UTC})
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}

	lines := strings.Split(strings.TrimSuffix(stuffed, "\r\n"), "\r\n")
	unstuffed := make([]string, 0, len(lines))
	for _, l := range lines {
		if l == "." {
			t.Fatalf("bare terminator line in %q", stuffed)
		}
		if strings.HasPrefix(l, ".") {
			if !strings.HasPrefix(l, "..") {
				t.Fatalf("dotted line %q not stuffed", l)
			}
			l = l[1:]
		}
		unstuffed = append(unstuffed, l)
	}
	if got, want := strings.Join(unstuffed, "\r\n"), strings.TrimSuffix(string(raw), "\r\n"); got != want {
		t.Errorf("unstuffed output differs from rendered message:\n%q\n%q", got, want)
	}
}

func TestNormalizeCRLF(t *testing.T) {
	got := string(normalizeCRLF([]byte("a\nb\r\nc\rd")))
	if got != "a\r\nb\r\nc\r\nd" {
		t.Errorf("normalizeCRLF() = %q", got)
	}
}

func BenchmarkDotStuff_LargeMessage(b *testing.B) {
	var sb strings.Builder
	for i := 0; i < 100; i++ {
		if i%10 == 0 {
			sb.WriteString(".Line with dot at start\r\n")
		} else {
			sb.WriteString("Regular line without dot at start\r\n")
		}
	}
	input := sb.String()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		DotStuff(input)
	}
}
