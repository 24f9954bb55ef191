package logging

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"
	"time"
)

// TestFieldConstructors 测试字段构造函数
func TestFieldConstructors(t *testing.T) {
	tests := []struct {
		name    string
		field   Field
		wantKey string
	}{
		{name: "String字段", field: String("entity_id", "a-1"), wantKey: "entity_id"},
		{name: "Int字段", field: Int("pending", 3), wantKey: "pending"},
		{name: "Int64字段", field: Int64("revision", 42), wantKey: "revision"},
		{name: "Bool字段", field: Bool("fresh", true), wantKey: "fresh"},
		{name: "Duration字段", field: Duration("backoff", time.Second), wantKey: "backoff"},
		{name: "Error字段", field: Error(errors.New("boom")), wantKey: "error"},
		{name: "Any字段", field: Any("payload", map[string]int{"a": 1}), wantKey: "payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.field.Key != tt.wantKey {
				t.Fatalf("key = %q, want %q", tt.field.Key, tt.wantKey)
			}
		})
	}
}

// TestStdLogger_Format 测试字段格式化输出
func TestStdLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(orig)

	logger := NewStdLogger("[sync]").WithFields(String("component", "outbox"))
	logger.Info(context.Background(), "entry acked", String("entry_id", "e-1"), Int("attempts", 2))

	out := buf.String()
	for _, want := range []string{"[INFO]", "[sync]", "component=outbox", "entry_id=e-1", "attempts=2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

// TestComponentLogger 测试组件Logger带组件名字段
func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(orig)

	ComponentLogger("sync.reconciler").Warn(context.Background(), "cycle paused")

	if !strings.Contains(buf.String(), "component=sync.reconciler") {
		t.Fatalf("output %q missing component field", buf.String())
	}
}

// TestNoopLogger 空实现不应有任何输出
func TestNoopLogger(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(orig)

	l := NewNoopLogger()
	l.Info(context.Background(), "ignored")
	l.WithFields(String("a", "b")).Error(context.Background(), "ignored")

	if buf.Len() != 0 {
		t.Fatalf("noop logger wrote output: %q", buf.String())
	}
}
