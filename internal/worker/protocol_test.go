package worker

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncodeDecodeRequest(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"plain", "hello", "hello"},
		{"empty", "", ""},
		{"newline", "a\nb", `a\nb`},
		{"crlf", "a\r\nb", `a\r\nb`},
		{"backslash", `C:\path`, `C:\\path`},
		{"literal backslash n", `not\na newline`, `not\\na newline`},
		{"trailing backslash", `end\`, `end\\`},
		{"unicode", "héllo ✓\n", `héllo ✓\n`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeRequest(tt.text)
			if got != tt.want {
				t.Errorf("EncodeRequest(%q) = %q, want %q", tt.text, got, tt.want)
			}
			if strings.ContainsAny(got, "\r\n") {
				t.Errorf("encoded line %q contains a line break", got)
			}
			if back := DecodeRequest(got); back != tt.text {
				t.Errorf("DecodeRequest(%q) = %q, want %q", got, back, tt.text)
			}
		})
	}
}

func TestDecodeRequest_UnknownEscapeKept(t *testing.T) {
	if got := DecodeRequest(`a\tb`); got != `a\tb` {
		t.Errorf("DecodeRequest = %q, want %q", got, `a\tb`)
	}
	if got := DecodeRequest(`dangling\`); got != `dangling\` {
		t.Errorf("DecodeRequest = %q, want %q", got, `dangling\`)
	}
}

func TestServe(t *testing.T) {
	in := strings.NewReader(EncodeRequest("one\ntwo") + "\n" + "ping\n" + "quiet\n")
	var out bytes.Buffer

	err := Serve(in, &out, "@@", func(text string) string {
		switch text {
		case "one\ntwo":
			return "got two lines\nsecond"
		case "quiet":
			return ""
		}
		return "pong"
	})
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}

	want := "got two lines\nsecond\n@@\npong\n@@\n@@\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestServe_DefaultDelimiter(t *testing.T) {
	var out bytes.Buffer
	if err := Serve(strings.NewReader("x\n"), &out, "", func(string) string { return "y" }); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if out.String() != "y\n"+DefaultDelimiter+"\n" {
		t.Errorf("output = %q", out.String())
	}
}
