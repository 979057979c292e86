package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Router state keys. last_timestamp is the global dispatch-dedup cursor;
// each channel's consumption watermark lives in its own row under
// last_agent_timestamp:{channelId} so concurrent channels never clobber
// each other.
const (
	keyLastTimestamp            = "last_timestamp"
	keyLastAgentTimestampPrefix = "last_agent_timestamp:"
)

// GetState reads a raw router_state value.
func (s *Store) GetState(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM router_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query state %s: %w", key, err)
	}
	return value, true, nil
}

// SetState writes a raw router_state value.
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO router_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set state %s: %w", key, err)
	}
	return nil
}

// LastTimestamp returns the global seen-up-to watermark.
func (s *Store) LastTimestamp() (string, error) {
	value, _, err := s.GetState(keyLastTimestamp)
	return value, err
}

// SetLastTimestamp advances the global seen-up-to watermark. The caller is
// responsible for never moving it backwards.
func (s *Store) SetLastTimestamp(ts string) error {
	return s.SetState(keyLastTimestamp, ts)
}

// AgentTimestamp returns the last message timestamp the agent has consumed
// for the channel, or an empty string when the channel has no history.
func (s *Store) AgentTimestamp(channelID string) (string, error) {
	value, _, err := s.GetState(keyLastAgentTimestampPrefix + channelID)
	return value, err
}

// SetAgentTimestamp advances the channel's consumption watermark. One row
// per channel: the write is a single upsert, safe under concurrent
// completions of different channels.
func (s *Store) SetAgentTimestamp(channelID, ts string) error {
	return s.SetState(keyLastAgentTimestampPrefix+channelID, ts)
}
