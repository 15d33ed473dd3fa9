package telegraph

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/roundhouse/internal/orchestrator"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// MaxMessageLen is the longest text posted in one chat message. Discord
// rejects anything above 2000 characters.
const MaxMessageLen = 2000

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "info":
		return ColorInfo
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// FormatSubtask formats a finished subtask for posting into its parent
// conversation.
func FormatSubtask(st orchestrator.Subtask) FormattedEvent {
	severity := "success"
	title := fmt.Sprintf("Subtask %s finished", st.ID)
	body := st.Result
	if st.Status == orchestrator.SubtaskFailed {
		severity = "error"
		title = fmt.Sprintf("Subtask %s failed", st.ID)
		body = st.Error
	}
	if body == "" {
		body = "(no output)"
	}

	fields := []Field{
		{Name: "Task", Value: truncate(st.Task, 200), Short: false},
		{Name: "Thread", Value: st.ParentThreadID, Short: true},
	}
	if !st.FinishedAt.IsZero() {
		elapsed := st.FinishedAt.Sub(st.StartedAt).Round(time.Second)
		fields = append(fields, Field{Name: "Elapsed", Value: elapsed.String(), Short: true})
	}

	return FormattedEvent{
		Title:    title,
		Body:     truncate(body, MaxMessageLen),
		Severity: severity,
		Color:    severityColor(severity),
		Fields:   fields,
	}
}

// SplitMessage breaks text into chunks of at most limit runes, preferring
// line boundaries. Empty text yields no chunks.
func SplitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 {
		return []string{text}
	}

	var chunks []string
	rest := []rune(text)
	for len(rest) > limit {
		cut := limit
		if i := lastIndexRune(rest[:limit], '\n'); i > 0 {
			cut = i
		}
		chunks = append(chunks, string(rest[:cut]))
		rest = rest[cut:]
		if len(rest) > 0 && rest[0] == '\n' {
			rest = rest[1:]
		}
	}
	if len(rest) > 0 {
		chunks = append(chunks, string(rest))
	}
	return chunks
}

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

// OriginID derives the numeric origin id stored on a thread from a chat
// channel id. Numeric ids (Discord snowflakes) are used as is; anything
// else is hashed with FNV-64a into a non-negative int64.
func OriginID(channelID string) int64 {
	if n, err := strconv.ParseInt(channelID, 10, 64); err == nil {
		return n
	}
	h := fnv.New64a()
	h.Write([]byte(channelID))
	return int64(h.Sum64() &^ (1 << 63))
}

// ThreadKey is the orchestrator thread id for a chat conversation.
func ThreadKey(platform, channelID, threadID string) string {
	if threadID == "" || threadID == channelID {
		return platform + ":" + channelID
	}
	return platform + ":" + channelID + ":" + threadID
}

// truncate returns s cut to maxLen runes with "..." appended if needed.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// cleanText strips user mentions (Slack <@U123>, Discord <@123> or <@!123>)
// and surrounding whitespace.
func cleanText(text string) string {
	text = mentionRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
