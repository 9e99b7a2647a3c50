package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Account is a connected Slack workspace.
type Account struct {
	ID           uuid.UUID `json:"id"`
	RemoteTeamID string    `json:"remote_team_id"`
	Name         string    `json:"name"`
	Domain       string    `json:"domain"`
	CreatedAt    time.Time `json:"created_at"`
}

// Channel is a conversation of an account that we mirror locally.
type Channel struct {
	ID              uuid.UUID `json:"id"`
	AccountID       uuid.UUID `json:"account_id"`
	RemoteChannelID string    `json:"remote_channel_id"`
	Name            string    `json:"name"`
	IsPrivate       bool      `json:"is_private"`
	IsArchived      bool      `json:"is_archived"`
	CreatedAt       time.Time `json:"created_at"`
}

// User is a workspace member. AnonymousAlias is assigned once on insert and
// never rewritten.
type User struct {
	ID              uuid.UUID `json:"id"`
	AccountID       uuid.UUID `json:"account_id"`
	RemoteUserID    string    `json:"remote_user_id"`
	DisplayName     string    `json:"display_name"`
	ProfileImageURL string    `json:"profile_image_url"`
	IsBot           bool      `json:"is_bot"`
	IsAdmin         bool      `json:"is_admin"`
	AnonymousAlias  string    `json:"anonymous_alias"`
	CreatedAt       time.Time `json:"created_at"`
}

// Thread groups replies under a root message. Slug and SentAt come from the
// earliest reply and are fixed at creation.
type Thread struct {
	ID             uuid.UUID `json:"id"`
	ChannelID      uuid.UUID `json:"channel_id"`
	RemoteThreadID string    `json:"remote_thread_id"`
	Slug           string    `json:"slug"`
	SentAt         int64     `json:"sent_at"` // epoch milliseconds
	CreatedAt      time.Time `json:"created_at"`
}

// Message is a persisted chat message.
type Message struct {
	ID              uuid.UUID       `json:"id"`
	ChannelID       uuid.UUID       `json:"channel_id"`
	ThreadID        *uuid.UUID      `json:"thread_id,omitempty"`
	AuthorID        *uuid.UUID      `json:"author_id,omitempty"`
	RemoteMessageID string          `json:"remote_message_id"`
	RemoteAuthorID  string          `json:"remote_author_id,omitempty"`
	Kind            string          `json:"kind"`
	Body            string          `json:"body"`
	Blocks          json.RawMessage `json:"blocks,omitempty"`
	SentAt          time.Time       `json:"sent_at"`
	Reactions       []Reaction      `json:"reactions,omitempty"`
	Attachments     []Attachment    `json:"attachments,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Reaction is an emoji reaction aggregated per message.
type Reaction struct {
	Name          string   `json:"name"`
	Count         int      `json:"count"`
	RemoteUserIDs []string `json:"remote_user_ids"`
}

// Attachment is a file shared with a message. StoredPath and ContentHash are
// set once the file has been mirrored.
type Attachment struct {
	RemoteFileID string `json:"remote_file_id"`
	Name         string `json:"name"`
	Title        string `json:"title,omitempty"`
	Mimetype     string `json:"mimetype,omitempty"`
	URLPrivate   string `json:"url_private"`
	Size         int    `json:"size"`
	StoredPath   string `json:"stored_path,omitempty"`
	ContentHash  string `json:"content_hash,omitempty"`
}

// MessageParams is the write model for CreateMessage/CreateOrUpdateMessage.
type MessageParams struct {
	ChannelID       uuid.UUID
	ThreadID        *uuid.UUID
	AuthorID        *uuid.UUID
	RemoteMessageID string
	RemoteAuthorID  string
	RemoteThreadID  string
	Kind            string
	Body            string
	Blocks          json.RawMessage
	SentAt          time.Time
	Reactions       []Reaction
	Attachments     []Attachment
}

// ThreadParams is the write model for FindOrCreateThread.
type ThreadParams struct {
	ChannelID      uuid.UUID
	RemoteThreadID string
	SentAt         int64
	Slug           string
}

// UserParams is the write model for CreateManyUsers.
type UserParams struct {
	AccountID       uuid.UUID
	RemoteUserID    string
	DisplayName     string
	ProfileImageURL string
	IsBot           bool
	IsAdmin         bool
	AnonymousAlias  string
}

// AccountParams is the write model for UpsertAccount.
type AccountParams struct {
	RemoteTeamID string
	Name         string
	Domain       string
}

// ChannelParams is the write model for UpsertChannel.
type ChannelParams struct {
	AccountID       uuid.UUID
	RemoteChannelID string
	Name            string
	IsPrivate       bool
	IsArchived      bool
}

// Store is the persistence boundary of the ingestion pipeline. Every write is
// keyed by a uniqueness constraint so concurrent importers converge.
type Store interface {
	FindUser(ctx context.Context, remoteUserID string, accountID uuid.UUID) (*User, error)
	CreateManyUsers(ctx context.Context, users []UserParams, skipDuplicates bool) (int64, error)

	FindThread(ctx context.Context, channelID uuid.UUID, remoteThreadID string) (*Thread, error)
	FindOrCreateThread(ctx context.Context, params ThreadParams) (*Thread, error)

	CreateMessage(ctx context.Context, params MessageParams) (*Message, error)
	CreateOrUpdateMessage(ctx context.Context, params MessageParams) (*Message, error)
	RecordAttachmentContent(ctx context.Context, messageID uuid.UUID, remoteFileID, storedPath, contentHash string) error

	UpsertAccount(ctx context.Context, params AccountParams) (*Account, error)
	FindAccount(ctx context.Context, remoteTeamID string) (*Account, error)
	UpsertChannel(ctx context.Context, params ChannelParams) (*Channel, error)
	FindChannel(ctx context.Context, accountID uuid.UUID, remoteChannelID string) (*Channel, error)
	GetChannel(ctx context.Context, id uuid.UUID) (*Channel, error)
	ListChannels(ctx context.Context, accountID uuid.UUID) ([]Channel, error)

	Ping(ctx context.Context) error
	Close() error
}
