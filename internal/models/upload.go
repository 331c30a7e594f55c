package models

import "time"

// FileStatus represents where an uploaded file is in its lifecycle.
type FileStatus string

const (
	FileStatusUploading FileStatus = "uploading"
	FileStatusAnalyzing FileStatus = "analyzing"
	FileStatusSuccess   FileStatus = "success"
	FileStatusError     FileStatus = "error"
)

// UploadedFile represents one operator-selected image.
type UploadedFile struct {
	ID            string     `json:"id" msgpack:"id"`
	Name          string     `json:"name" msgpack:"name"`
	Size          int64      `json:"size" msgpack:"size"`
	MIMEType      string     `json:"mimeType" msgpack:"mimeType"`
	StoredID      string     `json:"-" msgpack:"-"`
	PreviewHandle string     `json:"previewHandle,omitempty" msgpack:"previewHandle,omitempty"`
	Status        FileStatus `json:"status" msgpack:"status"`
	Progress      int        `json:"progress" msgpack:"progress"` // 0-100, meaningful while uploading
	Error         string     `json:"error,omitempty" msgpack:"error,omitempty"`
	AddedAt       time.Time  `json:"addedAt" msgpack:"addedAt"`
}

// NewUploadedFile creates an UploadedFile in uploading status at 0%.
func NewUploadedFile(id, name string, size int64, mimeType string) *UploadedFile {
	return &UploadedFile{
		ID:       id,
		Name:     name,
		Size:     size,
		MIMEType: mimeType,
		Status:   FileStatusUploading,
		Progress: 0,
		AddedAt:  time.Now(),
	}
}

// Terminal reports whether the file can no longer change status.
func (f *UploadedFile) Terminal() bool {
	return f.Status == FileStatusSuccess || f.Status == FileStatusError
}

// Rejection describes a selected file that failed the selection filter.
type Rejection struct {
	Name   string `json:"name" msgpack:"name"`
	Size   int64  `json:"size" msgpack:"size"`
	Code   string `json:"code" msgpack:"code"` // "file-invalid-type", "file-too-large"
	Reason string `json:"reason" msgpack:"reason"`
}
