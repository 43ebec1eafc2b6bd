package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ArchiveFile is the durable JSON record written when a session reaches a
// terminal status.
type ArchiveFile struct {
	SessionID  string    `json:"session_id"`
	ArchivedAt time.Time `json:"archived_at"`
	Events     []Event   `json:"events"`
}

// Archive writes the session's full trail to dir/<sessionID>.json and
// returns the path. The write is atomic: a temp file is renamed into place
// so a crash never leaves a torn archive.
func (l *Log) Archive(sessionID, dir string) (string, error) {
	events, err := l.events(sessionID)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating archive dir: %w", err)
	}

	archive := ArchiveFile{
		SessionID:  sessionID,
		ArchivedAt: l.now(),
		Events:     events,
	}
	data, err := json.MarshalIndent(archive, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling archive: %w", err)
	}

	path := filepath.Join(dir, sessionID+".json")
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return "", fmt.Errorf("writing archive: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("renaming archive: %w", err)
	}

	return path, nil
}
