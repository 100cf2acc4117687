package models

import "time"

// Comment is a single bug tracker comment, in tracker order.
type Comment struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// FieldChange is one field edit inside a history event.
type FieldChange struct {
	Field   string `json:"field"`
	Removed string `json:"removed"`
	Added   string `json:"added"`
}

// HistoryEvent records a status or field change on a bug.
type HistoryEvent struct {
	Who     string        `json:"who"`
	When    time.Time     `json:"when"`
	Changes []FieldChange `json:"changes"`
}

// Bug holds the seed fields of a bug report plus its discussion.
// The seed fields are immutable once fetched.
type Bug struct {
	ID          int            `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Severity    string         `json:"severity"`
	Priority    string         `json:"priority"`
	Status      string         `json:"status"`
	Component   string         `json:"component"`
	Product     string         `json:"product"`
	Comments    []Comment      `json:"comments"`
	History     []HistoryEvent `json:"history"`
}
