package channels

import (
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/sessionrelay/pkg/protocol"
)

func TestWindowLimiter(t *testing.T) {
	l := NewWindowLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("k"); !ok {
			t.Fatalf("request %d rejected inside budget", i+1)
		}
	}
	ok, retry := l.Allow("k")
	if ok {
		t.Fatal("request over budget allowed")
	}
	if retry < 1 || retry > 60 {
		t.Errorf("retry_after = %d", retry)
	}
	// Independent keys have independent budgets.
	if ok, _ := l.Allow("other"); !ok {
		t.Errorf("fresh key rejected")
	}
}

func TestWindowLimiterWindowReset(t *testing.T) {
	l := NewWindowLimiter(1, 30*time.Millisecond)
	if ok, _ := l.Allow("k"); !ok {
		t.Fatal("first rejected")
	}
	if ok, _ := l.Allow("k"); ok {
		t.Fatal("second allowed inside window")
	}
	time.Sleep(50 * time.Millisecond)
	if ok, _ := l.Allow("k"); !ok {
		t.Errorf("not reset after window")
	}
}

func TestQuestionButtonsOverflow(t *testing.T) {
	opts := make([]protocol.QuestionOption, 8)
	for i := range opts {
		opts[i] = protocol.QuestionOption{Label: strings.Repeat("x", 40)}
	}
	q := &protocol.QuestionContent{
		ToolUseID: "T",
		Questions: []protocol.Question{{Header: "H", Options: opts}},
	}

	rows := QuestionButtons(q)
	if len(rows) != 6 {
		t.Fatalf("rows = %d, want 5 visible + 1 overflow", len(rows))
	}
	for _, row := range rows[:5] {
		if got := len([]rune(row[0].Label)); got > 30 {
			t.Errorf("label length %d > 30", got)
		}
	}
	if rows[5][0].Label != "3 more in CLI" {
		t.Errorf("overflow label = %q", rows[5][0].Label)
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := TruncateRunes("héllo", 10); got != "héllo" {
		t.Errorf("short string changed: %q", got)
	}
	got := TruncateRunes(strings.Repeat("é", 100), 10)
	if r := []rune(got); len(r) != 10 {
		t.Errorf("truncated to %d runes", len(r))
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("no ellipsis: %q", got)
	}
}
