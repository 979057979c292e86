package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// Message is a single ingested chat event. Rows are append-only.
type Message struct {
	ChannelID   string
	SenderName  string
	Content     string
	Timestamp   string
	MentionsBot bool
}

// Attachment describes a stored file referenced by a message.
type Attachment struct {
	Name     string
	MimeType string
	RelPath  string
}

// BuildMessageContent appends one reference line per attachment after the
// message text. If the text is empty, the attachment lines become the
// entire content.
func BuildMessageContent(text string, attachments []Attachment) string {
	if len(attachments) == 0 {
		return text
	}
	lines := make([]string, 0, len(attachments))
	for _, a := range attachments {
		lines = append(lines, fmt.Sprintf("[file: %s | %s | %s]", a.Name, a.MimeType, a.RelPath))
	}
	joined := strings.Join(lines, "\n")
	if text == "" {
		return joined
	}
	return text + "\n" + joined
}

// InsertMessage appends a message row.
func (s *Store) InsertMessage(m Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (channel_id, sender_name, content, timestamp, mentions_bot) VALUES (?, ?, ?, ?, ?)`,
		m.ChannelID, m.SenderName, m.Content, m.Timestamp, boolToInt(m.MentionsBot),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// MessagesSince returns the channel's messages with timestamp strictly
// greater than after, excluding those sent by the bot itself, in
// timestamp order.
func (s *Store) MessagesSince(channelID, after, botName string) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT channel_id, sender_name, content, timestamp, mentions_bot
		 FROM messages
		 WHERE channel_id = ? AND timestamp > ? AND sender_name <> ?
		 ORDER BY timestamp`,
		channelID, after, botName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// NewMessagesForRegistered returns messages across all registered channels
// with timestamp strictly greater than after, excluding the bot's own, in
// timestamp order. Used by the supervisor polling loop.
func (s *Store) NewMessagesForRegistered(after, botName string) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT m.channel_id, m.sender_name, m.content, m.timestamp, m.mentions_bot
		 FROM messages m
		 JOIN registered_groups g ON g.channel_id = m.channel_id
		 WHERE m.timestamp > ? AND m.sender_name <> ?
		 ORDER BY m.timestamp`,
		after, botName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query new messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var mentions int
		if err := rows.Scan(&m.ChannelID, &m.SenderName, &m.Content, &m.Timestamp, &mentions); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.MentionsBot = mentions != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Chat is channel metadata recorded for every inbound event, including
// channels that are not registered. It backs channel discovery.
type Chat struct {
	JID             string
	Name            string
	LastMessageTime string
}

// UpsertChat records channel activity metadata.
func (s *Store) UpsertChat(jid, name, lastMessageTime string) error {
	_, err := s.db.Exec(
		`INSERT INTO chats (jid, name, last_message_time) VALUES (?, ?, ?)
		 ON CONFLICT(jid) DO UPDATE SET name = excluded.name, last_message_time = excluded.last_message_time`,
		jid, name, lastMessageTime,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chat: %w", err)
	}
	return nil
}

// ListChats returns all known chats ordered by most recent activity.
func (s *Store) ListChats() ([]Chat, error) {
	rows, err := s.db.Query(`SELECT jid, name, last_message_time FROM chats ORDER BY last_message_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.JID, &c.Name, &c.LastMessageTime); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
