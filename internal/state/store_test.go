package state

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/nextlevelbuilder/sessionrelay/internal/transcript"
	"github.com/nextlevelbuilder/sessionrelay/pkg/protocol"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	ctx := transcript.NewContext()
	ctx.BlockIDs["t1"] = "b1"
	ctx.ToolCalls["t1"] = protocol.ToolCallContent{ToolName: "Bash", ToolUseID: "t1", Label: "ls"}

	want := &SessionState{
		FilePosition:      4096,
		LineNumber:        17,
		ProcessingContext: ctx,
		LastModified:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.Save("abc-123", want); err != nil {
		t.Fatal(err)
	}

	got := store.Load("abc-123")
	if got == nil {
		t.Fatal("Load returned nil")
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, want)
	}
}

func TestLoadMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	if st := store.Load("nope"); st != nil {
		t.Errorf("missing file returned state")
	}

	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{truncated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if st := store.Load("bad"); st != nil {
		t.Errorf("corrupt file returned state")
	}
}

func TestDelete(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := store.Save("s", &SessionState{ProcessingContext: transcript.NewContext()}); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("s"); err != nil {
		t.Fatal(err)
	}
	if st := store.Load("s"); st != nil {
		t.Errorf("state survived delete")
	}
	// Deleting again is fine.
	if err := store.Delete("s"); err != nil {
		t.Errorf("second delete errored: %v", err)
	}
}

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"simple-id", "simple-id"},
		{"a/b\\c:d", "a_b_c_d"},
		{"a///b", "a_b"},
		{".hidden", "hidden"},
		{"..hidden", "hidden"},
		{"", "_"},
		{"já tá", "j_t_"},
	}
	for _, tt := range tests {
		if got := SanitizeID(tt.in); got != tt.want {
			t.Errorf("SanitizeID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	if err := store.Save("s", &SessionState{ProcessingContext: transcript.NewContext()}); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
