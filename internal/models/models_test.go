package models

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

func TestThreadRow_Fields(t *testing.T) {
	typ := reflect.TypeOf(ThreadRow{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ChatID", "not null")
	assertGormTag(t, typ, "ChatID", "index")

	if got := (ThreadRow{}).TableName(); got != "threads" {
		t.Errorf("TableName() = %q, want threads", got)
	}
}

func TestMessageRow_Fields(t *testing.T) {
	typ := reflect.TypeOf(MessageRow{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ThreadID", "uniqueIndex:idx_thread_seq")
	assertGormTag(t, typ, "Seq", "uniqueIndex:idx_thread_seq")
	assertGormTag(t, typ, "Content", "type:text")
	assertGormTag(t, typ, "At", "column:created_at")
	assertGormTag(t, typ, "At", "precision:6")

	if got := (MessageRow{}).TableName(); got != "thread_messages" {
		t.Errorf("TableName() = %q, want thread_messages", got)
	}
}

func TestThread_AppendPreservesOrder(t *testing.T) {
	th := NewThread("t1", 42)
	th.Append(RoleUser, "hello")
	th.Append(RoleAssistant, "hi")
	th.Append(RoleUser, "again")

	if len(th.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3", len(th.Messages))
	}
	want := []struct {
		role    Role
		content string
	}{
		{RoleUser, "hello"},
		{RoleAssistant, "hi"},
		{RoleUser, "again"},
	}
	for i, w := range want {
		if th.Messages[i].Role != w.role || th.Messages[i].Content != w.content {
			t.Errorf("Messages[%d] = (%s, %q), want (%s, %q)",
				i, th.Messages[i].Role, th.Messages[i].Content, w.role, w.content)
		}
	}
	if th.Messages[0].At.After(th.Messages[2].At) {
		t.Error("timestamps went backwards")
	}
}

func TestThread_AppendTimestampsUTCMicro(t *testing.T) {
	th := NewThread("t1", 1)
	th.Append(RoleUser, "x")
	at := th.Messages[0].At
	if at.Location() != time.UTC {
		t.Errorf("At location = %v, want UTC", at.Location())
	}
	if at.Nanosecond()%1000 != 0 {
		t.Errorf("At = %v, want microsecond precision", at)
	}
}

func TestThread_CloneIsIndependent(t *testing.T) {
	th := NewThread("t1", 7)
	th.Append(RoleUser, "one")

	c := th.Clone()
	c.Append(RoleAssistant, "two")
	c.Messages[0].Content = "changed"

	if len(th.Messages) != 1 {
		t.Errorf("original len = %d, want 1", len(th.Messages))
	}
	if th.Messages[0].Content != "one" {
		t.Errorf("original content = %q, want one", th.Messages[0].Content)
	}
	if c.ID != "t1" || c.ChatID != 7 {
		t.Errorf("clone = %+v", c)
	}
}

func TestThread_JSONFieldNames(t *testing.T) {
	th := NewThread("t1", 9)
	th.Append(RoleUser, "hello")

	data, err := json.Marshal(th)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	for _, key := range []string{`"thread_id":"t1"`, `"chat_id":9`, `"role":"user"`, `"content":"hello"`, `"at":`} {
		if !strings.Contains(s, key) {
			t.Errorf("JSON %s missing %s", s, key)
		}
	}
}
