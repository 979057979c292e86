package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ContainerOverrides are per-group relaxations of the default sandbox
// hardening. Absent fields keep the global defaults.
type ContainerOverrides struct {
	Memory         string   `json:"memory,omitempty"`
	CPUs           float64  `json:"cpus,omitempty"`
	SecurityOpt    []string `json:"securityOpt,omitempty"`
	ReadonlyRootfs *bool    `json:"readonlyRootfs,omitempty"`
	CapDropAll     *bool    `json:"capDropAll,omitempty"`
}

// GroupConfig is the registration payload stored for a channel.
type GroupConfig struct {
	Name            string              `json:"name"`
	Folder          string              `json:"folder"`
	Trigger         string              `json:"trigger,omitempty"`
	RequiresTrigger *bool               `json:"requiresTrigger,omitempty"`
	AddedAt         string              `json:"added_at"`
	Container       *ContainerOverrides `json:"containerConfig,omitempty"`
}

// Group is a registered chat endpoint the supervisor serves.
type Group struct {
	ChannelID string
	Config    GroupConfig
}

// RegisterGroup inserts or replaces a channel registration. Registrations
// are never implicitly destroyed.
func (s *Store) RegisterGroup(channelID string, cfg GroupConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal group config: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO registered_groups (channel_id, config_json) VALUES (?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET config_json = excluded.config_json`,
		channelID, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to register group: %w", err)
	}
	return nil
}

// GetGroup returns the registration for a channel id.
func (s *Store) GetGroup(channelID string) (*Group, error) {
	var data string
	err := s.db.QueryRow(`SELECT config_json FROM registered_groups WHERE channel_id = ?`, channelID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query group: %w", err)
	}
	return unmarshalGroup(channelID, data)
}

// GroupByFolder returns the registration whose folder slug matches.
func (s *Store) GroupByFolder(folder string) (*Group, error) {
	groups, err := s.ListGroups()
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.Config.Folder == folder {
			return &g, nil
		}
	}
	return nil, ErrNotFound
}

// ListGroups returns all registered groups.
func (s *Store) ListGroups() ([]Group, error) {
	rows, err := s.db.Query(`SELECT channel_id, config_json FROM registered_groups`)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var channelID, data string
		if err := rows.Scan(&channelID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		g, err := unmarshalGroup(channelID, data)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func unmarshalGroup(channelID, data string) (*Group, error) {
	var cfg GroupConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal group config for %s: %w", channelID, err)
	}
	return &Group{ChannelID: channelID, Config: cfg}, nil
}

// GetSession returns the persisted session id for a group folder, or an
// empty string when none exists.
func (s *Store) GetSession(groupFolder string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT session_id FROM sessions WHERE group_folder = ?`, groupFolder).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query session: %w", err)
	}
	return id, nil
}

// SetSession stores the session id for a group folder.
func (s *Store) SetSession(groupFolder, sessionID string) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (group_folder, session_id) VALUES (?, ?)
		 ON CONFLICT(group_folder) DO UPDATE SET session_id = excluded.session_id`,
		groupFolder, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to set session: %w", err)
	}
	return nil
}
