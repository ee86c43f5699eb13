// Package timeline applies block events to an ordered block list and renders
// it for display.
package timeline

import (
	"log/slog"

	"github.com/nextlevelbuilder/sessionrelay/pkg/protocol"
)

// Block is one rendered unit with a stable identity.
type Block struct {
	ID      string
	Content protocol.BlockContent
}

// Timeline is the per-session consumer state. Single-writer: only the
// session's file-change handler applies events.
type Timeline struct {
	blocks []Block
	index  map[string]int
}

// New returns an empty timeline.
func New() *Timeline {
	return &Timeline{index: make(map[string]int)}
}

// Apply folds one event into the block list. Updates for unknown ids are
// dropped with a warning (orphans after a compaction).
func (tl *Timeline) Apply(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.AddBlock:
		tl.index[e.BlockID] = len(tl.blocks)
		tl.blocks = append(tl.blocks, Block{ID: e.BlockID, Content: e.Content})
	case protocol.UpdateBlock:
		i, ok := tl.index[e.BlockID]
		if !ok {
			slog.Warn("update for unknown block", "block_id", e.BlockID)
			return
		}
		tl.blocks[i].Content = e.Content
	case protocol.ClearAll:
		tl.blocks = nil
		tl.index = make(map[string]int)
	}
}

// Blocks returns the current ordered block list.
func (tl *Timeline) Blocks() []Block {
	return tl.blocks
}

// Len returns the number of blocks.
func (tl *Timeline) Len() int {
	return len(tl.blocks)
}
