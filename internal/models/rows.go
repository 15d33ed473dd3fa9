package models

import "time"

// ThreadRow is the SQL row for a thread record.
type ThreadRow struct {
	ID        string `gorm:"primaryKey;size:255"`
	ChatID    int64  `gorm:"not null;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName pins the table name used by every SQL backend.
func (ThreadRow) TableName() string { return "threads" }

// MessageRow is the SQL row for one message of a thread. Seq preserves
// insertion order. At is stored as given; a field named CreatedAt would be
// overwritten by GORM when zero.
type MessageRow struct {
	ID       uint      `gorm:"primaryKey;autoIncrement"`
	ThreadID string    `gorm:"size:255;not null;uniqueIndex:idx_thread_seq"`
	Seq      int       `gorm:"not null;uniqueIndex:idx_thread_seq"`
	Role     string    `gorm:"size:16;not null"`
	Content  string    `gorm:"type:text"`
	At       time.Time `gorm:"column:created_at;precision:6"`
}

// TableName pins the table name used by every SQL backend.
func (MessageRow) TableName() string { return "thread_messages" }
