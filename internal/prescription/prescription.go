// Package prescription exports a generated prescription as a dated text artifact.
package prescription

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ContentType is the MIME type of the exported artifact.
const ContentType = "text/plain; charset=utf-8"

// FileName returns prescription_<YYYY-MM-DD>.txt for the UTC date of now.
func FileName(now time.Time) string {
	return fmt.Sprintf("prescription_%s.txt", now.UTC().Format("2006-01-02"))
}

// Write writes the prescription text verbatim.
func Write(w io.Writer, text string) error {
	if _, err := io.WriteString(w, text); err != nil {
		return fmt.Errorf("writing prescription: %w", err)
	}
	return nil
}

// Save writes the artifact into dir and returns its path.
func Save(dir, text string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating export directory: %w", err)
	}
	path := filepath.Join(dir, FileName(now))
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("writing prescription file: %w", err)
	}
	return path, nil
}
