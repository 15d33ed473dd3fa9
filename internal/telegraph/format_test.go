package telegraph

import (
	"strings"
	"testing"
	"time"

	"github.com/zulandar/roundhouse/internal/orchestrator"
)

// --- FormatSubtask tests ---

func TestFormatSubtask_Done(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := FormatSubtask(orchestrator.Subtask{
		ID:             "ops-1",
		ParentThreadID: "ops",
		Task:           "summarize the logs",
		Status:         orchestrator.SubtaskDone,
		StartedAt:      start,
		FinishedAt:     start.Add(90 * time.Second),
		Result:         "three errors, all retried",
	})
	if e.Title != "Subtask ops-1 finished" {
		t.Errorf("title = %q", e.Title)
	}
	if e.Body != "three errors, all retried" {
		t.Errorf("body = %q", e.Body)
	}
	if e.Severity != "success" || e.Color != ColorSuccess {
		t.Errorf("severity/color = %s/%s", e.Severity, e.Color)
	}
	want := map[string]string{"Task": "summarize the logs", "Thread": "ops", "Elapsed": "1m30s"}
	for _, f := range e.Fields {
		if want[f.Name] != f.Value {
			t.Errorf("field %s = %q, want %q", f.Name, f.Value, want[f.Name])
		}
		delete(want, f.Name)
	}
	if len(want) != 0 {
		t.Errorf("missing fields: %v", want)
	}
}

func TestFormatSubtask_Failed(t *testing.T) {
	e := FormatSubtask(orchestrator.Subtask{
		ID:     "ops-2",
		Status: orchestrator.SubtaskFailed,
		Error:  "timed out after 10m0s",
	})
	if e.Title != "Subtask ops-2 failed" {
		t.Errorf("title = %q", e.Title)
	}
	if e.Body != "timed out after 10m0s" {
		t.Errorf("body = %q", e.Body)
	}
	if e.Severity != "error" || e.Color != ColorError {
		t.Errorf("severity/color = %s/%s", e.Severity, e.Color)
	}
	for _, f := range e.Fields {
		if f.Name == "Elapsed" {
			t.Error("Elapsed field present without FinishedAt")
		}
	}
}

func TestFormatSubtask_EmptyResult(t *testing.T) {
	e := FormatSubtask(orchestrator.Subtask{ID: "x", Status: orchestrator.SubtaskDone})
	if e.Body != "(no output)" {
		t.Errorf("body = %q", e.Body)
	}
}

func TestFormatSubtask_LongResultTruncated(t *testing.T) {
	e := FormatSubtask(orchestrator.Subtask{ID: "x", Status: orchestrator.SubtaskDone, Result: strings.Repeat("a", 5000)})
	if n := len([]rune(e.Body)); n != MaxMessageLen {
		t.Errorf("body length = %d, want %d", n, MaxMessageLen)
	}
	if !strings.HasSuffix(e.Body, "...") {
		t.Error("truncated body should end with ...")
	}
}

func TestSeverityColor(t *testing.T) {
	tests := map[string]string{
		"success": ColorSuccess,
		"info":    ColorInfo,
		"warning": ColorWarning,
		"error":   ColorError,
		"other":   ColorInfo,
	}
	for sev, want := range tests {
		if got := severityColor(sev); got != want {
			t.Errorf("severityColor(%q) = %q, want %q", sev, got, want)
		}
	}
}

// --- SplitMessage tests ---

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"empty", "", 10, nil},
		{"fits", "hello", 10, []string{"hello"}},
		{"exact", "0123456789", 10, []string{"0123456789"}},
		{"hard split", "0123456789abc", 10, []string{"0123456789", "abc"}},
		{"prefers newline", "first line\nsecond", 14, []string{"first line", "second"}},
		{"no limit", "anything", 0, []string{"anything"}},
		{"runes", "ééééé", 2, []string{"éé", "éé", "é"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitMessage(tt.text, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("SplitMessage(%q, %d) = %q, want %q", tt.text, tt.limit, got, tt.want)
			}
		})
	}
}

func TestSplitMessage_RejoinsToOriginal(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 300; i++ {
		b.WriteString("line of reply text number ")
		b.WriteString(strings.Repeat("z", i%17))
		b.WriteByte('\n')
	}
	text := strings.TrimSuffix(b.String(), "\n")
	chunks := SplitMessage(text, MaxMessageLen)
	for i, c := range chunks {
		if len([]rune(c)) > MaxMessageLen {
			t.Errorf("chunk %d has %d runes", i, len([]rune(c)))
		}
	}
	if strings.Join(chunks, "\n") != text {
		t.Error("chunks do not rejoin to the original text")
	}
}

// --- OriginID / ThreadKey tests ---

func TestOriginID(t *testing.T) {
	if got := OriginID("1234567890123"); got != 1234567890123 {
		t.Errorf("numeric OriginID = %d", got)
	}
	a, b := OriginID("C0123ABC"), OriginID("C0123ABD")
	if a < 0 || b < 0 {
		t.Errorf("hashed ids must be non-negative: %d %d", a, b)
	}
	if a == b {
		t.Error("different channels hashed to the same id")
	}
	if OriginID("C0123ABC") != a {
		t.Error("OriginID is not stable")
	}
}

func TestThreadKey(t *testing.T) {
	tests := []struct {
		platform, channel, thread, want string
	}{
		{"slack", "C1", "1700.1", "slack:C1:1700.1"},
		{"discord", "123", "", "discord:123"},
		{"discord", "123", "123", "discord:123"},
	}
	for _, tt := range tests {
		if got := ThreadKey(tt.platform, tt.channel, tt.thread); got != tt.want {
			t.Errorf("ThreadKey(%q, %q, %q) = %q, want %q", tt.platform, tt.channel, tt.thread, got, tt.want)
		}
	}
}

func TestCleanText(t *testing.T) {
	tests := map[string]string{
		"<@U123ABC> hello":     "hello",
		"<@!42> do the thing":  "do the thing",
		"  plain  ":            "plain",
		"hey <@U1> and <@U2>!": "hey  and !",
		"email@example.com":    "email@example.com",
	}
	for in, want := range tests {
		if got := cleanText(in); got != want {
			t.Errorf("cleanText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdefghij", 6); got != "abc..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdef", 2); got != "ab" {
		t.Errorf("truncate = %q", got)
	}
}
