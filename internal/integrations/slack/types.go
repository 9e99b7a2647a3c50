package slack

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
)

var (
	// ErrMissingCredential is returned before any request is made without a token.
	ErrMissingCredential = errors.New("slack credential has no token")
	// ErrNotContent marks join/leave/topic style events that are never persisted.
	ErrNotContent = errors.New("message is not content")
	// ErrMalformedTimestamp marks a ts that does not parse as decimal seconds.
	ErrMalformedTimestamp = errors.New("malformed message timestamp")
	// ErrCircuitOpen aborts an import after too many consecutive transport failures.
	ErrCircuitOpen = errors.New("slack circuit breaker open")
)

// Credential is a workspace scoped bot token. It is passed to every Client
// call; the client itself holds no auth state.
type Credential struct {
	Token string
}

// HistoryPage is one page of conversations.history.
type HistoryPage struct {
	Messages   []slack.Message
	HasMore    bool
	NextCursor string
}

// RepliesPage is the single page of conversations.replies we read per thread.
type RepliesPage struct {
	Messages []slack.Message
	HasMore  bool
}

// ChannelPage is one page of conversations.list.
type ChannelPage struct {
	Channels   []slack.Channel
	NextCursor string
}

// UserPage is one page of users.list. The pagination cursor stays inside the
// page; pass the page to Client.NextUsers to continue.
type UserPage struct {
	Users []slack.User

	cred  Credential
	pager slack.UserPagination
	done  bool
}

// Done reports whether the listing is exhausted. A done page carries no users.
func (p *UserPage) Done() bool {
	return p.done
}

// ThreadRef identifies a thread whose replies should be imported.
type ThreadRef struct {
	ChannelID       uuid.UUID
	RemoteChannelID string
	RemoteThreadID  string
}

// RecordError is a failure confined to a single message or reply.
type RecordError struct {
	RemoteChannelID string
	RemoteMessageID string
	Err             error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("message %s in %s: %v", e.RemoteMessageID, e.RemoteChannelID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}
