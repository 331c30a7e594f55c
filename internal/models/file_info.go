package models

import "time"

// FileInfo represents metadata about a staged file payload.
type FileInfo struct {
	ID       string    `json:"id" msgpack:"id"`
	Name     string    `json:"name" msgpack:"name"`
	Size     int64     `json:"size" msgpack:"size"`
	MIMEType string    `json:"mimeType,omitempty" msgpack:"mimeType,omitempty"`
	StoredAt time.Time `json:"storedAt" msgpack:"storedAt"`
}
