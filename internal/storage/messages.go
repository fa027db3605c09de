package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanshi/internal/model"
)

// SaveMessage inserts a conversation message.
func (db *DB) SaveMessage(ctx context.Context, m model.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("storage: marshal message metadata: %w", err)
	}
	recipients := make([]string, len(m.Recipients))
	for i, r := range m.Recipients {
		recipients[i] = string(r)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO messages (
		     id, conversation_id, user_id, turn_id, sender,
		     content, message_type, recipients, metadata, created_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.ConversationID, m.UserID, m.TurnID, string(m.Sender),
		m.Content, string(m.Type), recipients, metaJSON, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert message: %w", err)
	}
	return nil
}

// LoadHistory returns up to limit messages for key, oldest first.
func (db *DB) LoadHistory(ctx context.Context, key model.ConversationKey, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var turn *uuid.UUID
	if key.TurnID != uuid.Nil {
		turn = &key.TurnID
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, conversation_id, user_id, turn_id, sender,
		        content, message_type, recipients, metadata, created_at
		 FROM (
		     SELECT * FROM messages
		     WHERE user_id = $1
		       AND (sender = $2 OR $2 = ANY(recipients))
		       AND ($3::uuid IS NULL OR turn_id = $3)
		     ORDER BY seq DESC
		     LIMIT $4
		 ) recent
		 ORDER BY seq ASC`,
		key.UserID, string(key.AgentID), turn, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m          model.Message
			sender     string
			typ        string
			recipients []string
			metaJSON   []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.TurnID, &sender,
			&m.Content, &typ, &recipients, &metaJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		m.Sender = model.AgentID(sender)
		m.Type = model.MessageType(typ)
		for _, r := range recipients {
			m.Recipients = append(m.Recipients, model.AgentID(r))
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
				return nil, fmt.Errorf("storage: decode message metadata: %w", err)
			}
			if len(m.Metadata) == 0 {
				m.Metadata = nil
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
