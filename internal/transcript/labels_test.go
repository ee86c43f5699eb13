package transcript

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestToolLabel(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input string
		want  string
	}{
		{"bash description", "Bash", `{"description":"run tests","command":"go test ./..."}`, "run tests"},
		{"bash command fallback", "Bash", `{"command":"ls -la"}`, "ls -la"},
		{"read basename", "Read", `{"file_path":"/home/user/project/main.go"}`, "main.go"},
		{"write basename", "Write", `{"file_path":"/etc/app/config.yaml"}`, "config.yaml"},
		{"edit basename", "Edit", `{"file_path":"a/b/c.txt"}`, "c.txt"},
		{"glob pattern", "Glob", `{"pattern":"**/*.go"}`, "**/*.go"},
		{"grep pattern", "Grep", `{"pattern":"func main"}`, "func main"},
		{"task description", "Task", `{"description":"explore the repo"}`, "explore the repo"},
		{"web search query", "WebSearch", `{"query":"golang sse"}`, "golang sse"},
		{"web fetch url", "WebFetch", `{"url":"https://example.com/doc"}`, "https://example.com/doc"},
		{"todo write fixed", "TodoWrite", `{"todos":[]}`, "todos"},
		{"unknown tool", "Mystery", `{"x":1}`, "…"},
		{"missing input", "Bash", ``, "…"},
		{"malformed input", "Bash", `{oops`, "…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw json.RawMessage
			if tt.input != "" {
				raw = json.RawMessage(tt.input)
			}
			if got := ToolLabel(tt.tool, raw); got != tt.want {
				t.Errorf("ToolLabel(%q) = %q, want %q", tt.tool, got, tt.want)
			}
		})
	}
}

func TestToolLabelTruncation(t *testing.T) {
	long := strings.Repeat("x", 100)
	got := ToolLabel("Bash", json.RawMessage(`{"description":"`+long+`"}`))
	if !strings.HasSuffix(got, "…") {
		t.Errorf("long label not ellipsized: %q", got)
	}
	if len([]rune(got)) > labelWidth {
		t.Errorf("label too long: %d runes", len([]rune(got)))
	}
}

func TestTruncateResult(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "(no output)"},
		{"whitespace only", "  \n ", "(no output)"},
		{"short unchanged", "a\nb\nc", "a\nb\nc"},
		{"five lines unchanged", "1\n2\n3\n4\n5", "1\n2\n3\n4\n5"},
		{"six lines truncated", "1\n2\n3\n4\n5\n6", "1\n2\n3\n4\n…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateResult(tt.in); got != tt.want {
				t.Errorf("TruncateResult(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestProgressText(t *testing.T) {
	count := 7
	tests := []struct {
		name string
		lt   LineType
		rec  Record
		want string
	}{
		{"bash last line", LineBashProgress, Record{FullOutput: "one\ntwo\n\n"}, "two"},
		{"bash empty output", LineBashProgress, Record{}, "running…"},
		{"hook", LineHookProgress, Record{HookName: "PostToolUse"}, "Hook: PostToolUse"},
		{"agent", LineAgentProgress, Record{}, "Agent: working…"},
		{"query", LineQueryUpdate, Record{Query: "auth"}, "Searching: auth"},
		{"results", LineSearchResults, Record{ResultCount: &count}, "7 results"},
		{"results missing count", LineSearchResults, Record{}, "0 results"},
		{"waiting", LineWaitingForTask, Record{TaskDescription: "deploy"}, "Waiting: deploy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ProgressText(tt.lt, &tt.rec); got != tt.want {
				t.Errorf("ProgressText = %q, want %q", got, tt.want)
			}
		})
	}
}
