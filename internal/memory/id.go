package memory

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

var (
	nodeOnce sync.Once
	node     *snowflake.Node
)

// NewRecordID returns a time-ordered unique id for a memory record.
// Time ordering keeps freshly created records sorting most-recent-first
// even when clocks across devices disagree slightly.
func NewRecordID() string {
	nodeOnce.Do(func() {
		n, err := snowflake.NewNode(1)
		if err != nil {
			// NewNode only fails for out-of-range node numbers.
			panic("memory: snowflake node: " + err.Error())
		}
		node = n
	})
	return node.Generate().String()
}

// NewMediaID returns a unique id for a media attachment.
func NewMediaID() string {
	return uuid.New().String()
}

// NewChangeID returns a unique id for a queued offline change.
func NewChangeID() string {
	return uuid.New().String()
}
