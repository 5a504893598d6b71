package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chris247474/nanoclaw/schema"
)

const lastGroupSyncKey = "last_group_sync"

// StoreChat records chat metadata. The stored timestamp only moves forward;
// an empty name falls back to the jid.
func (s *Store) StoreChat(ctx context.Context, jid schema.ChatJID, name string, ts time.Time) error {
	if strings.TrimSpace(name) == "" {
		name = string(jid)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (jid, name, last_message_time) VALUES (?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = excluded.name,
			last_message_time = MAX(last_message_time, excluded.last_message_time)`,
		string(jid), name, formatTime(ts))
	return err
}

// UpdateChatName renames a chat without touching its timestamp.
func (s *Store) UpdateChatName(ctx context.Context, jid schema.ChatJID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (jid, name, last_message_time) VALUES (?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET name = excluded.name`,
		string(jid), name, formatTime(time.Unix(0, 0)))
	return err
}

// ListChats returns chats, most recently active first.
func (s *Store) ListChats(ctx context.Context) ([]schema.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT jid, name, last_message_time FROM chats ORDER BY last_message_time DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chats []schema.Chat
	for rows.Next() {
		var (
			chat schema.Chat
			jid  string
			ts   string
		)
		if err := rows.Scan(&jid, &chat.Name, &ts); err != nil {
			return nil, err
		}
		chat.JID = schema.ChatJID(jid)
		if chat.LastMessageTime, err = parseTime(ts); err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// LastGroupSync returns when group metadata was last synced.
func (s *Store) LastGroupSync(ctx context.Context) (*time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, lastGroupSyncKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := parseTime(value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetLastGroupSync records a group metadata sync.
func (s *Store) SetLastGroupSync(ctx context.Context, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastGroupSyncKey, formatTime(ts))
	return err
}

// StoreMessage records a chat message, ensuring the chat row exists.
func (s *Store) StoreMessage(ctx context.Context, msg schema.Message) error {
	if strings.TrimSpace(msg.ID) == "" || msg.ChatJID == "" {
		return schema.ErrInvalidRequest
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (jid, name, last_message_time) VALUES (?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET last_message_time = MAX(last_message_time, excluded.last_message_time)`,
		string(msg.ChatJID), string(msg.ChatJID), formatTime(msg.Timestamp)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages
			(id, chat_jid, sender, sender_name, content, timestamp, is_from_me, media_type, media_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, string(msg.ChatJID), msg.Sender, msg.SenderName, msg.Content,
		formatTime(msg.Timestamp), boolInt(msg.FromMe), nullString(msg.MediaType), nullString(msg.MediaPath))
	return err
}

// NewMessages returns messages across chats newer than since, oldest first.
// Messages starting with botPrefix are excluded.
func (s *Store) NewMessages(ctx context.Context, jids []schema.ChatJID, since time.Time, botPrefix string) ([]schema.Message, error) {
	if len(jids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(jids)+3)
	placeholders := make([]string, 0, len(jids))
	for _, jid := range jids {
		placeholders = append(placeholders, "?")
		args = append(args, string(jid))
	}
	query := `SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, media_type, media_path
		FROM messages WHERE chat_jid IN (` + strings.Join(placeholders, ",") + `) AND timestamp > ?`
	args = append(args, formatTime(since))
	query, args = excludePrefix(query, args, botPrefix)
	return s.queryMessages(ctx, query+` ORDER BY timestamp`, args...)
}

// MessagesSince returns one chat's messages newer than since, oldest first.
func (s *Store) MessagesSince(ctx context.Context, jid schema.ChatJID, since time.Time, botPrefix string) ([]schema.Message, error) {
	query := `SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, media_type, media_path
		FROM messages WHERE chat_jid = ? AND timestamp > ?`
	args := []any{string(jid), formatTime(since)}
	query, args = excludePrefix(query, args, botPrefix)
	return s.queryMessages(ctx, query+` ORDER BY timestamp`, args...)
}

// LatestMessageTime returns the newest stored message time.
func (s *Store) LatestMessageTime(ctx context.Context) (*time.Time, error) {
	var value sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM messages`).Scan(&value); err != nil {
		return nil, err
	}
	return parseTimePtr(value)
}

func excludePrefix(query string, args []any, prefix string) (string, []any) {
	if prefix == "" {
		return query, args
	}
	return query + ` AND substr(content, 1, ?) <> ?`, append(args, utf8.RuneCountInString(prefix), prefix)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]schema.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []schema.Message
	for rows.Next() {
		var (
			msg       schema.Message
			jid       string
			ts        string
			mediaType sql.NullString
			mediaPath sql.NullString
		)
		if err := rows.Scan(&msg.ID, &jid, &msg.Sender, &msg.SenderName, &msg.Content, &ts, &msg.FromMe, &mediaType, &mediaPath); err != nil {
			return nil, err
		}
		msg.ChatJID = schema.ChatJID(jid)
		msg.MediaType = mediaType.String
		msg.MediaPath = mediaPath.String
		if msg.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func boolInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
