package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"chatarchive/internal/metrics"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// userInsertBatch keeps multi-row inserts well under the 65535 bind parameter limit.
const userInsertBatch = 500

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database, verifies the connection and makes sure
// the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", adjustDatabaseURLForEnvironment(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.InitSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func adjustDatabaseURLForEnvironment(databaseURL string) string {
	// Railway PostgreSQL does not terminate TLS
	if os.Getenv("RAILWAY_ENVIRONMENT") != "" || strings.Contains(databaseURL, "railway.app") {
		parsedURL, err := url.Parse(databaseURL)
		if err != nil {
			return databaseURL
		}
		values := parsedURL.Query()
		values.Set("sslmode", "disable")
		parsedURL.RawQuery = values.Encode()
		return parsedURL.String()
	}
	return databaseURL
}

// InitSchema creates the tables and unique indexes the importer relies on.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	slog.Info("Initializing database schema...")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			remote_team_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			domain TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS channels (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			account_id UUID NOT NULL REFERENCES accounts(id),
			remote_channel_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			is_private BOOLEAN NOT NULL DEFAULT FALSE,
			is_archived BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			UNIQUE(account_id, remote_channel_id)
		);`,
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			account_id UUID NOT NULL REFERENCES accounts(id),
			remote_user_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			profile_image_url TEXT NOT NULL DEFAULT '',
			is_bot BOOLEAN NOT NULL DEFAULT FALSE,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			anonymous_alias TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			UNIQUE(account_id, remote_user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS threads (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			channel_id UUID NOT NULL REFERENCES channels(id),
			remote_thread_id TEXT NOT NULL,
			slug TEXT NOT NULL DEFAULT '',
			sent_at BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			UNIQUE(channel_id, remote_thread_id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			channel_id UUID NOT NULL REFERENCES channels(id),
			thread_id UUID REFERENCES threads(id),
			author_id UUID REFERENCES users(id),
			remote_message_id TEXT NOT NULL,
			remote_author_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'text',
			body TEXT NOT NULL DEFAULT '',
			blocks JSONB,
			sent_at TIMESTAMP WITH TIME ZONE NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			UNIQUE(channel_id, remote_message_id)
		);`,
		`CREATE TABLE IF NOT EXISTS message_reactions (
			message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			remote_user_ids TEXT[] NOT NULL DEFAULT '{}',
			PRIMARY KEY(message_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS message_attachments (
			message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			remote_file_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			mimetype TEXT NOT NULL DEFAULT '',
			url_private TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			stored_path TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT '',
			PRIMARY KEY(message_id, remote_file_id)
		);`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);",
		"CREATE INDEX IF NOT EXISTS idx_messages_sent_at ON messages(channel_id, sent_at);",
		"CREATE INDEX IF NOT EXISTS idx_threads_sent_at ON threads(channel_id, sent_at);",
	}
	for _, indexSQL := range indexes {
		if _, err := s.db.ExecContext(ctx, indexSQL); err != nil {
			slog.Warn("Failed to create index", "error", err, "sql", indexSQL)
		}
	}

	slog.Info("Database schema initialized successfully")
	return nil
}

// FindUser returns nil, nil when no user matches.
func (s *PostgresStore) FindUser(ctx context.Context, remoteUserID string, accountID uuid.UUID) (*User, error) {
	defer observe("find_user", time.Now())

	query := `
		SELECT id, account_id, remote_user_id, display_name, profile_image_url,
			   is_bot, is_admin, anonymous_alias, created_at
		FROM users
		WHERE account_id = $1 AND remote_user_id = $2
	`
	var u User
	err := s.db.QueryRowContext(ctx, query, accountID, remoteUserID).Scan(
		&u.ID, &u.AccountID, &u.RemoteUserID, &u.DisplayName, &u.ProfileImageURL,
		&u.IsBot, &u.IsAdmin, &u.AnonymousAlias, &u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &u, nil
}

// CreateManyUsers inserts users in batches. With skipDuplicates, rows that
// collide on (account_id, remote_user_id) are ignored and keep their alias.
func (s *PostgresStore) CreateManyUsers(ctx context.Context, users []UserParams, skipDuplicates bool) (int64, error) {
	defer observe("create_many_users", time.Now())

	var inserted int64
	for start := 0; start < len(users); start += userInsertBatch {
		end := start + userInsertBatch
		if end > len(users) {
			end = len(users)
		}
		batch := users[start:end]

		placeholders := make([]string, len(batch))
		args := make([]interface{}, 0, len(batch)*7)
		for i, u := range batch {
			n := i * 7
			placeholders[i] = fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7)
			args = append(args, u.AccountID, u.RemoteUserID, u.DisplayName, u.ProfileImageURL, u.IsBot, u.IsAdmin, u.AnonymousAlias)
		}

		query := fmt.Sprintf(`
			INSERT INTO users (
				account_id, remote_user_id, display_name, profile_image_url,
				is_bot, is_admin, anonymous_alias
			) VALUES %s
		`, strings.Join(placeholders, ","))
		if skipDuplicates {
			query += " ON CONFLICT (account_id, remote_user_id) DO NOTHING"
		}

		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return inserted, fmt.Errorf("failed to create users: %w", err)
		}
		n, err := res.RowsAffected()
		if err == nil {
			inserted += n
		}
	}
	return inserted, nil
}

// FindThread returns nil, nil when the thread has not been imported yet.
func (s *PostgresStore) FindThread(ctx context.Context, channelID uuid.UUID, remoteThreadID string) (*Thread, error) {
	defer observe("find_thread", time.Now())

	query := `
		SELECT id, channel_id, remote_thread_id, slug, sent_at, created_at
		FROM threads
		WHERE channel_id = $1 AND remote_thread_id = $2
	`
	var t Thread
	err := s.db.QueryRowContext(ctx, query, channelID, remoteThreadID).Scan(
		&t.ID, &t.ChannelID, &t.RemoteThreadID, &t.Slug, &t.SentAt, &t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find thread: %w", err)
	}
	return &t, nil
}

// FindOrCreateThread inserts the thread unless one already exists for
// (channel, remote thread id). The first writer decides slug and sent_at.
func (s *PostgresStore) FindOrCreateThread(ctx context.Context, params ThreadParams) (*Thread, error) {
	defer observe("find_or_create_thread", time.Now())

	query := `
		INSERT INTO threads (channel_id, remote_thread_id, slug, sent_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel_id, remote_thread_id) DO NOTHING
		RETURNING id, channel_id, remote_thread_id, slug, sent_at, created_at
	`
	var t Thread
	err := s.db.QueryRowContext(ctx, query, params.ChannelID, params.RemoteThreadID, params.Slug, params.SentAt).Scan(
		&t.ID, &t.ChannelID, &t.RemoteThreadID, &t.Slug, &t.SentAt, &t.CreatedAt,
	)
	if err == nil {
		return &t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}

	existing, err := s.FindThread(ctx, params.ChannelID, params.RemoteThreadID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("thread %s vanished after conflict", params.RemoteThreadID)
	}
	return existing, nil
}

// CreateMessage inserts a message and fails if the remote id was already imported.
func (s *PostgresStore) CreateMessage(ctx context.Context, params MessageParams) (*Message, error) {
	defer observe("create_message", time.Now())

	query := `
		INSERT INTO messages (
			channel_id, thread_id, author_id, remote_message_id, remote_author_id,
			kind, body, blocks, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, thread_id, author_id, created_at, updated_at
	`
	return s.writeMessage(ctx, query, params)
}

// CreateOrUpdateMessage upserts a message keyed by (channel, remote message id).
// Content fields take the latest value; thread and author are only filled
// when still null.
func (s *PostgresStore) CreateOrUpdateMessage(ctx context.Context, params MessageParams) (*Message, error) {
	defer observe("create_or_update_message", time.Now())

	query := `
		INSERT INTO messages (
			channel_id, thread_id, author_id, remote_message_id, remote_author_id,
			kind, body, blocks, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (channel_id, remote_message_id)
		DO UPDATE SET
			body = EXCLUDED.body,
			blocks = EXCLUDED.blocks,
			kind = EXCLUDED.kind,
			thread_id = COALESCE(messages.thread_id, EXCLUDED.thread_id),
			author_id = COALESCE(messages.author_id, EXCLUDED.author_id),
			updated_at = NOW()
		RETURNING id, thread_id, author_id, created_at, updated_at
	`
	return s.writeMessage(ctx, query, params)
}

func (s *PostgresStore) writeMessage(ctx context.Context, query string, params MessageParams) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var blocks sql.NullString
	if len(params.Blocks) > 0 {
		blocks = sql.NullString{String: string(params.Blocks), Valid: true}
	}

	stored := Message{
		ChannelID:       params.ChannelID,
		RemoteMessageID: params.RemoteMessageID,
		RemoteAuthorID:  params.RemoteAuthorID,
		Kind:            params.Kind,
		Body:            params.Body,
		Blocks:          params.Blocks,
		SentAt:          params.SentAt,
		Reactions:       params.Reactions,
	}
	var threadID, authorID uuid.NullUUID
	err = tx.QueryRowContext(ctx, query,
		params.ChannelID, toNullUUID(params.ThreadID), toNullUUID(params.AuthorID),
		params.RemoteMessageID, params.RemoteAuthorID, params.Kind, params.Body, blocks, params.SentAt,
	).Scan(&stored.ID, &threadID, &authorID, &stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to store message %s: %w", params.RemoteMessageID, err)
	}
	stored.ThreadID = fromNullUUID(threadID)
	stored.AuthorID = fromNullUUID(authorID)

	if _, err := tx.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id = $1`, stored.ID); err != nil {
		return nil, fmt.Errorf("failed to clear reactions: %w", err)
	}
	for _, r := range params.Reactions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO message_reactions (message_id, name, count, remote_user_ids)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (message_id, name) DO UPDATE SET
				count = EXCLUDED.count,
				remote_user_ids = EXCLUDED.remote_user_ids
		`, stored.ID, r.Name, r.Count, pq.Array(r.RemoteUserIDs))
		if err != nil {
			return nil, fmt.Errorf("failed to store reaction %s: %w", r.Name, err)
		}
	}

	stored.Attachments = make([]Attachment, len(params.Attachments))
	for idx, a := range params.Attachments {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO message_attachments (message_id, remote_file_id, name, title, mimetype, url_private, size)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (message_id, remote_file_id) DO UPDATE SET
				name = EXCLUDED.name,
				title = EXCLUDED.title,
				mimetype = EXCLUDED.mimetype,
				url_private = EXCLUDED.url_private,
				size = EXCLUDED.size
			RETURNING stored_path, content_hash
		`, stored.ID, a.RemoteFileID, a.Name, a.Title, a.Mimetype, a.URLPrivate, a.Size).Scan(&a.StoredPath, &a.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("failed to store attachment %s: %w", a.RemoteFileID, err)
		}
		stored.Attachments[idx] = a
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message %s: %w", params.RemoteMessageID, err)
	}
	return &stored, nil
}

// RecordAttachmentContent marks an attachment as mirrored.
func (s *PostgresStore) RecordAttachmentContent(ctx context.Context, messageID uuid.UUID, remoteFileID, storedPath, contentHash string) error {
	defer observe("record_attachment_content", time.Now())

	_, err := s.db.ExecContext(ctx, `
		UPDATE message_attachments
		SET stored_path = $3, content_hash = $4
		WHERE message_id = $1 AND remote_file_id = $2
	`, messageID, remoteFileID, storedPath, contentHash)
	if err != nil {
		return fmt.Errorf("failed to record attachment content: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertAccount(ctx context.Context, params AccountParams) (*Account, error) {
	defer observe("upsert_account", time.Now())

	query := `
		INSERT INTO accounts (remote_team_id, name, domain)
		VALUES ($1, $2, $3)
		ON CONFLICT (remote_team_id) DO UPDATE SET
			name = EXCLUDED.name,
			domain = EXCLUDED.domain
		RETURNING id, remote_team_id, name, domain, created_at
	`
	var a Account
	err := s.db.QueryRowContext(ctx, query, params.RemoteTeamID, params.Name, params.Domain).Scan(
		&a.ID, &a.RemoteTeamID, &a.Name, &a.Domain, &a.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert account: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) FindAccount(ctx context.Context, remoteTeamID string) (*Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, remote_team_id, name, domain, created_at
		FROM accounts WHERE remote_team_id = $1
	`, remoteTeamID).Scan(&a.ID, &a.RemoteTeamID, &a.Name, &a.Domain, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) UpsertChannel(ctx context.Context, params ChannelParams) (*Channel, error) {
	defer observe("upsert_channel", time.Now())

	query := `
		INSERT INTO channels (account_id, remote_channel_id, name, is_private, is_archived)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, remote_channel_id) DO UPDATE SET
			name = EXCLUDED.name,
			is_private = EXCLUDED.is_private,
			is_archived = EXCLUDED.is_archived
		RETURNING id, account_id, remote_channel_id, name, is_private, is_archived, created_at
	`
	var c Channel
	err := s.db.QueryRowContext(ctx, query,
		params.AccountID, params.RemoteChannelID, params.Name, params.IsPrivate, params.IsArchived,
	).Scan(&c.ID, &c.AccountID, &c.RemoteChannelID, &c.Name, &c.IsPrivate, &c.IsArchived, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert channel: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) FindChannel(ctx context.Context, accountID uuid.UUID, remoteChannelID string) (*Channel, error) {
	return s.scanChannel(s.db.QueryRowContext(ctx, `
		SELECT id, account_id, remote_channel_id, name, is_private, is_archived, created_at
		FROM channels WHERE account_id = $1 AND remote_channel_id = $2
	`, accountID, remoteChannelID))
}

func (s *PostgresStore) GetChannel(ctx context.Context, id uuid.UUID) (*Channel, error) {
	return s.scanChannel(s.db.QueryRowContext(ctx, `
		SELECT id, account_id, remote_channel_id, name, is_private, is_archived, created_at
		FROM channels WHERE id = $1
	`, id))
}

func (s *PostgresStore) scanChannel(row *sql.Row) (*Channel, error) {
	var c Channel
	err := row.Scan(&c.ID, &c.AccountID, &c.RemoteChannelID, &c.Name, &c.IsPrivate, &c.IsArchived, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListChannels(ctx context.Context, accountID uuid.UUID) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, remote_channel_id, name, is_private, is_archived, created_at
		FROM channels
		WHERE account_id = $1 AND is_archived = FALSE
		ORDER BY name ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.AccountID, &c.RemoteChannelID, &c.Name, &c.IsPrivate, &c.IsArchived, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// HashContent returns the hex SHA256 of content.
func HashContent(content []byte) string {
	h := NewContentHasher()
	h.Write(content)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// NewContentHasher returns the hash behind HashContent for streamed content.
func NewContentHasher() hash.Hash {
	return sha256.New()
}

func toNullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func fromNullUUID(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	v := id.UUID
	return &v
}

func observe(operation string, start time.Time) {
	metrics.DatabaseOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
