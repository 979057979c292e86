package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// sessionFile is the persisted shape of a conversation. Contents keep
// their raw parts untouched.
type sessionFile struct {
	SessionID string    `json:"sessionId"`
	UpdatedAt string    `json:"updatedAt"`
	Contents  []Content `json:"contents"`
}

func sessionPath(groupDir, sessionID string) string {
	return filepath.Join(groupDir, ".sessions", sessionID+".json")
}

// loadSession restores prior conversation history. A missing or corrupt
// session file starts a fresh conversation rather than failing the run.
func loadSession(groupDir, sessionID string) []Content {
	if sessionID == "" {
		return nil
	}
	data, err := os.ReadFile(sessionPath(groupDir, sessionID))
	if err != nil {
		return nil
	}
	var sf sessionFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil
	}
	return sf.Contents
}

// saveSession persists the conversation, generating a new session id when
// none was supplied. Written atomically so a killed container never leaves
// a truncated session behind.
func saveSession(groupDir, sessionID, updatedAt string, contents []Content) (string, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := os.MkdirAll(filepath.Join(groupDir, ".sessions"), 0755); err != nil {
		return "", fmt.Errorf("failed to create sessions dir: %w", err)
	}

	data, err := json.Marshal(sessionFile{
		SessionID: sessionID,
		UpdatedAt: updatedAt,
		Contents:  contents,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}

	path := sessionPath(groupDir, sessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to publish session: %w", err)
	}
	return sessionID, nil
}
