package database

// Conversation queries
const (
	upsertConversationQuery = `
		INSERT INTO conversations (id, title, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title
	`

	selectConversationQuery = `
		SELECT id, title, created_at FROM conversations WHERE id = ?
	`

	insertParticipantQuery = `
		INSERT OR IGNORE INTO participants (conversation_id, user_id) VALUES (?, ?)
	`

	selectParticipantsQuery = `
		SELECT user_id FROM participants WHERE conversation_id = ? ORDER BY joined_at, rowid
	`
)

// Message queries
const (
	insertMessageQuery = `
		INSERT INTO messages (
			id, conversation_id, sender_id, text,
			reply_message_id, reply_preview, reply_sender_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	messageColumns = `
		id, conversation_id, sender_id, text,
		reply_message_id, reply_preview, reply_sender_id, edited_at, created_at
	`

	selectMessagesQuery = `SELECT ` + messageColumns + `
		FROM messages WHERE conversation_id = ? ORDER BY created_at, seq
	`

	selectMessageQuery = `SELECT ` + messageColumns + `
		FROM messages WHERE id = ?
	`

	updateMessageTextQuery = `
		UPDATE messages SET text = ?, edited_at = ? WHERE id = ?
	`

	deleteMessageQuery = `
		DELETE FROM messages WHERE id = ?
	`
)

// Attachment and reaction queries
const (
	insertAttachmentQuery = `
		INSERT INTO attachments (message_id, position, file_name, mime_type, size_bytes, url, category)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	selectAttachmentsByConversationQuery = `
		SELECT a.message_id, a.file_name, a.mime_type, a.size_bytes, a.url, a.category
		FROM attachments a JOIN messages m ON m.id = a.message_id
		WHERE m.conversation_id = ?
		ORDER BY a.message_id, a.position
	`

	selectAttachmentsByMessageQuery = `
		SELECT message_id, file_name, mime_type, size_bytes, url, category
		FROM attachments WHERE message_id = ? ORDER BY position
	`

	selectReactionsByConversationQuery = `
		SELECT r.message_id, r.emoji, r.user_id
		FROM reactions r JOIN messages m ON m.id = r.message_id
		WHERE m.conversation_id = ?
		ORDER BY r.message_id, r.created_at, r.rowid
	`

	selectReactionsByMessageQuery = `
		SELECT message_id, emoji, user_id FROM reactions
		WHERE message_id = ? ORDER BY created_at, rowid
	`

	selectReactionExistsQuery = `
		SELECT COUNT(1) FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?
	`

	insertReactionQuery = `
		INSERT INTO reactions (message_id, user_id, emoji, created_at) VALUES (?, ?, ?, ?)
	`

	deleteReactionQuery = `
		DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?
	`
)
