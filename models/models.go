package models

import (
	"time"
)

// Entity is an issued entity id. Rows are never deleted; the id space is
// owned by the store.
type Entity struct {
	ID        uint64 `gorm:"primarykey"`
	CreatedAt time.Time
}

// Relation is the current ChildOf row of one child entity.
type Relation struct {
	Child     uint64 `gorm:"primarykey;autoIncrement:false"`
	Parent    uint64 `gorm:"index"`
	OrderKey  uint32
	UpdatedAt time.Time
}

// RelationChange is one entry of the relation change log. Prev* describe the
// relation before the change and Next* after it; the Has flags distinguish an
// absent relation from a zero value.
type RelationChange struct {
	Seq        uint64 `gorm:"primarykey;autoIncrement"`
	Child      uint64 `gorm:"index"`
	HasPrev    bool
	PrevParent uint64
	PrevKey    uint32
	HasNext    bool
	NextParent uint64
	NextKey    uint32
	CreatedAt  time.Time
}

// DiffCheckpoint holds the sequence number of the last change handed out by a
// diff. There is a single row with ID 1.
type DiffCheckpoint struct {
	ID  uint `gorm:"primarykey"`
	Seq uint64
}
