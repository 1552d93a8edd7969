package genealogy

import (
	"errors"
	"time"
)

var (
	// ErrIntegrity marks a violated tree invariant: a missing self-row, a
	// dangling sponsor or a cycle in the sponsor chain.
	ErrIntegrity = errors.New("genealogy integrity violation")

	ErrAlreadyInserted = errors.New("member already in genealogy")
)

// TreePath is one closure-table row. Depth 0 is the member's self-row.
// Rows are never updated.
type TreePath struct {
	AncestorID   string    `gorm:"column:ancestor_id;primaryKey;size:64;index:idx_tree_paths_ancestor_depth,priority:1"`
	DescendantID string    `gorm:"column:descendant_id;primaryKey;size:64;index:idx_tree_paths_descendant_depth,priority:1"`
	Depth        int       `gorm:"column:depth;primaryKey;autoIncrement:false;index:idx_tree_paths_ancestor_depth,priority:2;index:idx_tree_paths_descendant_depth,priority:2"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (TreePath) TableName() string {
	return "tree_paths"
}
