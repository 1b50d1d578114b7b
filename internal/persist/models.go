package persist

import (
	"encoding/json"
	"time"
)

// Document is one stored agent document. Content is the serialized agent
// document, Metadata the serialized build checkpoint.
type Document struct {
	ID        string
	Title     string
	Content   []byte
	Metadata  []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentInfo is a listing entry without the payloads
type DocumentInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Run records the outcome of one build
type Run struct {
	ID         int64     `json:"id"`
	DocumentID string    `json:"documentId"`
	Operation  string    `json:"operation"` // "create" | "update" | "extend" | "resume"
	Status     string    `json:"status"`    // "complete" | "error" | "timeout"
	LastPhase  string    `json:"lastPhase,omitempty"`
	Resumed    bool      `json:"resumed"`
	Warnings   []string  `json:"warnings,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// scanner interface for both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

// toJSON converts an object to JSON string
func toJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// fromJSON parses JSON string into an object
func fromJSON(data string, v interface{}) error {
	if data == "" || data == "[]" || data == "null" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}
