// Package database is the relay's SQLite store.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gigchat/internal/constants"
	apperrors "gigchat/internal/errors"
	"gigchat/internal/migrations"
	"gigchat/internal/models"
	"gigchat/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Options configures New. Secret is only read when EncryptAtRest is set.
type Options struct {
	EncryptAtRest bool
	Secret        string
}

// OptionsFromEnv reads the encryption secret from the environment.
func OptionsFromEnv(encrypt bool) Options {
	return Options{EncryptAtRest: encrypt, Secret: os.Getenv(SecretEnvVar)}
}

type Database struct {
	db        *sql.DB
	encryptor *encryptor
	now       func() time.Time
}

// New opens (creating if needed) the database at dbPath and applies any
// pending migrations.
func New(dbPath string, opts Options) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	enc, err := newEncryptor(opts.EncryptAtRest, opts.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, constants.DefaultFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer keeps SQLite from returning SQLITE_BUSY under load
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to ping database: %w", err))
	}
	if err := migrate(db); err != nil {
		return nil, closeWith(db, err)
	}

	return &Database{db: db, encryptor: enc, now: time.Now}, nil
}

func closeWith(db *sql.DB, err error) error {
	if closeErr := db.Close(); closeErr != nil {
		return fmt.Errorf("%w (close error: %v)", err, closeErr)
	}
	return err
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	all, err := migrations.All()
	if err != nil {
		return err
	}
	for _, m := range all {
		var applied int
		if err := db.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&applied); err != nil {
			return fmt.Errorf("failed to read migration state: %w", err)
		}
		if applied > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Name, err)
		}
	}
	return nil
}

// AppliedMigrations lists recorded schema versions in ascending order.
func (d *Database) AppliedMigrations(ctx context.Context) ([]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list migrations", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, apperrors.NewDatabaseError("scan migration", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (d *Database) Close() error {
	return d.db.Close()
}

// EncryptionEnabled reports whether message text is sealed on disk.
func (d *Database) EncryptionEnabled() bool {
	return d.encryptor.enabled()
}

// SaveConversation creates or retitles a conversation and adds any
// participants not already present.
func (d *Database) SaveConversation(ctx context.Context, conv models.Conversation) error {
	createdAt := conv.CreatedAt
	if createdAt.IsZero() {
		createdAt = d.now()
	}
	return withRetry(ctx, func(ctx context.Context) error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return apperrors.NewDatabaseError("begin", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, upsertConversationQuery, conv.ID, conv.Title, createdAt.UTC()); err != nil {
			return apperrors.NewDatabaseError("save conversation", err)
		}
		for _, userID := range conv.ParticipantIDs {
			if _, err := tx.ExecContext(ctx, insertParticipantQuery, conv.ID, userID); err != nil {
				return apperrors.NewDatabaseError("add participant", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return apperrors.NewDatabaseError("commit conversation", err)
		}
		return nil
	})
}

// AddParticipant adds userID to a conversation; adding twice is a no-op.
func (d *Database) AddParticipant(ctx context.Context, conversationID, userID string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		if _, err := d.db.ExecContext(ctx, insertParticipantQuery, conversationID, userID); err != nil {
			return apperrors.NewDatabaseError("add participant", err)
		}
		return nil
	})
}

func (d *Database) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := d.db.QueryRowContext(ctx, selectConversationQuery, id).Scan(&conv.ID, &conv.Title, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("conversation", id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get conversation", err)
	}

	rows, err := d.db.QueryContext(ctx, selectParticipantsQuery, id)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list participants", err)
	}
	defer rows.Close()
	conv.ParticipantIDs = []string{}
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, apperrors.NewDatabaseError("scan participant", err)
		}
		conv.ParticipantIDs = append(conv.ParticipantIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list participants", err)
	}
	return conv, nil
}

// InsertMessage stores a confirmed message with its attachments.
func (d *Database) InsertMessage(ctx context.Context, msg *models.Message) error {
	text, err := d.encryptor.seal(columnText, msg.Text)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encrypt message text")
	}
	var replyID, replyPreview, replySender *string
	if msg.ReplyRef != nil {
		replyID, replySender = &msg.ReplyRef.MessageID, &msg.ReplyRef.SenderID
		preview, err := d.encryptor.seal(columnReplyPreview, msg.ReplyRef.PreviewText)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encrypt reply preview")
		}
		replyPreview = &preview
	}

	return withRetry(ctx, func(ctx context.Context) error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return apperrors.NewDatabaseError("begin", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, insertMessageQuery,
			msg.ID, msg.ConversationID, msg.SenderID, text,
			replyID, replyPreview, replySender, msg.CreatedAt.UTC(),
		); err != nil {
			if isUniqueViolation(err) {
				return apperrors.NewValidationError("id", msg.ID, "message id already exists")
			}
			return apperrors.NewDatabaseError("insert message", err)
		}
		for i, a := range msg.Attachments {
			if _, err := tx.ExecContext(ctx, insertAttachmentQuery,
				msg.ID, i, a.FileName, a.MimeType, a.SizeBytes, a.URL, string(a.Category),
			); err != nil {
				return apperrors.NewDatabaseError("insert attachment", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return apperrors.NewDatabaseError("commit message", err)
		}
		return nil
	})
}

// ListMessages returns a conversation's messages in creation order with
// attachments and reactions filled in.
func (d *Database) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := d.db.QueryContext(ctx, selectMessagesQuery, conversationID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list messages", err)
	}
	messages, err := d.scanMessages(rows)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(messages))
	for i := range messages {
		index[messages[i].ID] = i
	}

	attachments, err := d.queryAttachments(ctx, selectAttachmentsByConversationQuery, conversationID)
	if err != nil {
		return nil, err
	}
	for id, list := range attachments {
		if i, ok := index[id]; ok {
			messages[i].Attachments = list
		}
	}

	reactions, err := d.queryReactions(ctx, selectReactionsByConversationQuery, conversationID)
	if err != nil {
		return nil, err
	}
	for id, list := range reactions {
		if i, ok := index[id]; ok {
			messages[i].Reactions = list
		}
	}
	return messages, nil
}

func (d *Database) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	rows, err := d.db.QueryContext(ctx, selectMessageQuery, id)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get message", err)
	}
	messages, err := d.scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, apperrors.NewNotFoundError("message", id)
	}
	msg := messages[0]

	attachments, err := d.queryAttachments(ctx, selectAttachmentsByMessageQuery, id)
	if err != nil {
		return nil, err
	}
	msg.Attachments = attachments[id]

	reactions, err := d.queryReactions(ctx, selectReactionsByMessageQuery, id)
	if err != nil {
		return nil, err
	}
	msg.Reactions = reactions[id]
	return &msg, nil
}

// ToggleReaction adds the (user, emoji) pair or removes it when present
// and returns the message's full reaction list afterwards.
func (d *Database) ToggleReaction(ctx context.Context, messageID, userID, emoji string) ([]models.Reaction, error) {
	var out []models.Reaction
	err := withRetry(ctx, func(ctx context.Context) error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return apperrors.NewDatabaseError("begin", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE id = ?`, messageID).Scan(&exists); err != nil {
			return apperrors.NewDatabaseError("check message", err)
		}
		if exists == 0 {
			return apperrors.NewNotFoundError("message", messageID)
		}

		var present int
		if err := tx.QueryRowContext(ctx, selectReactionExistsQuery, messageID, userID, emoji).Scan(&present); err != nil {
			return apperrors.NewDatabaseError("check reaction", err)
		}
		if present > 0 {
			_, err = tx.ExecContext(ctx, deleteReactionQuery, messageID, userID, emoji)
		} else {
			_, err = tx.ExecContext(ctx, insertReactionQuery, messageID, userID, emoji, d.now().UTC())
		}
		if err != nil {
			return apperrors.NewDatabaseError("toggle reaction", err)
		}

		rows, err := tx.QueryContext(ctx, selectReactionsByMessageQuery, messageID)
		if err != nil {
			return apperrors.NewDatabaseError("list reactions", err)
		}
		grouped, err := scanReactions(rows)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return apperrors.NewDatabaseError("commit reaction", err)
		}
		out = grouped[messageID]
		if out == nil {
			out = []models.Reaction{}
		}
		return nil
	})
	return out, err
}

// UpdateMessageText replaces a message's text and stamps the edit time.
func (d *Database) UpdateMessageText(ctx context.Context, id, text string, editedAt time.Time) error {
	sealed, err := d.encryptor.seal(columnText, text)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encrypt message text")
	}
	return withRetry(ctx, func(ctx context.Context) error {
		res, err := d.db.ExecContext(ctx, updateMessageTextQuery, sealed, editedAt.UTC(), id)
		if err != nil {
			return apperrors.NewDatabaseError("update message", err)
		}
		return requireRow(res, "message", id)
	})
}

// DeleteMessage removes a message with its attachments and reactions.
func (d *Database) DeleteMessage(ctx context.Context, id string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		res, err := d.db.ExecContext(ctx, deleteMessageQuery, id)
		if err != nil {
			return apperrors.NewDatabaseError("delete message", err)
		}
		return requireRow(res, "message", id)
	})
}

func requireRow(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.NewDatabaseError("rows affected", err)
	}
	if n == 0 {
		return apperrors.NewNotFoundError(resource, id)
	}
	return nil
}

func (d *Database) scanMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var (
			m                                models.Message
			text                             string
			replyID, replyPreview, replySndr sql.NullString
			editedAt                         sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &text,
			&replyID, &replyPreview, &replySndr, &editedAt, &m.CreatedAt); err != nil {
			return nil, apperrors.NewDatabaseError("scan message", err)
		}

		var err error
		if m.Text, err = d.encryptor.open(columnText, text); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to decrypt message text")
		}
		if replyID.Valid {
			preview, err := d.encryptor.open(columnReplyPreview, replyPreview.String)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to decrypt reply preview")
			}
			m.ReplyRef = &models.ReplyRef{MessageID: replyID.String, PreviewText: preview, SenderID: replySndr.String}
		}
		if editedAt.Valid {
			at := editedAt.Time
			m.Edited = true
			m.EditedAt = &at
		}
		m.Status = models.StatusConfirmed
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list messages", err)
	}
	return messages, nil
}

func (d *Database) queryAttachments(ctx context.Context, query, arg string) (map[string][]models.Attachment, error) {
	rows, err := d.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list attachments", err)
	}
	defer rows.Close()

	out := make(map[string][]models.Attachment)
	for rows.Next() {
		var id, category string
		var a models.Attachment
		if err := rows.Scan(&id, &a.FileName, &a.MimeType, &a.SizeBytes, &a.URL, &category); err != nil {
			return nil, apperrors.NewDatabaseError("scan attachment", err)
		}
		a.Category = models.AttachmentCategory(category)
		out[id] = append(out[id], a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list attachments", err)
	}
	return out, nil
}

func (d *Database) queryReactions(ctx context.Context, query, arg string) (map[string][]models.Reaction, error) {
	rows, err := d.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list reactions", err)
	}
	return scanReactions(rows)
}

func scanReactions(rows *sql.Rows) (map[string][]models.Reaction, error) {
	defer rows.Close()
	out := make(map[string][]models.Reaction)
	for rows.Next() {
		var id string
		var r models.Reaction
		if err := rows.Scan(&id, &r.Emoji, &r.UserID); err != nil {
			return nil, apperrors.NewDatabaseError("scan reaction", err)
		}
		out[id] = append(out[id], r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list reactions", err)
	}
	return out, nil
}

// isUniqueViolation reports a duplicate primary or unique key.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
