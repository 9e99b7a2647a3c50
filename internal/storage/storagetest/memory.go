// Package storagetest provides an in-memory storage.Store for tests. It
// enforces the same uniqueness keys as the PostgreSQL schema.
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatarchive/internal/storage"

	"github.com/google/uuid"
)

type channelKey struct {
	channelID uuid.UUID
	remoteID  string
}

type userKey struct {
	accountID uuid.UUID
	remoteID  string
}

// MemoryStore is a storage.Store backed by maps.
type MemoryStore struct {
	mu sync.Mutex

	accounts map[string]*storage.Account
	channels map[uuid.UUID]*storage.Channel
	users    map[userKey]*storage.User
	threads  map[channelKey]*storage.Thread
	messages map[channelKey]*storage.Message

	// FailMessages makes message writes for these remote ids fail.
	FailMessages map[string]error

	// FailUserLookups makes FindUser fail for these remote user ids.
	FailUserLookups map[string]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:        make(map[string]*storage.Account),
		channels:        make(map[uuid.UUID]*storage.Channel),
		users:           make(map[userKey]*storage.User),
		threads:         make(map[channelKey]*storage.Thread),
		messages:        make(map[channelKey]*storage.Message),
		FailMessages:    make(map[string]error),
		FailUserLookups: make(map[string]error),
	}
}

func (m *MemoryStore) FindUser(ctx context.Context, remoteUserID string, accountID uuid.UUID) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.FailUserLookups[remoteUserID]; err != nil {
		return nil, err
	}
	u, ok := m.users[userKey{accountID, remoteUserID}]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) CreateManyUsers(ctx context.Context, users []storage.UserParams, skipDuplicates bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var created int64
	for _, p := range users {
		key := userKey{p.AccountID, p.RemoteUserID}
		if _, exists := m.users[key]; exists {
			if skipDuplicates {
				continue
			}
			return created, fmt.Errorf("duplicate user %s", p.RemoteUserID)
		}
		m.users[key] = &storage.User{
			ID:              uuid.New(),
			AccountID:       p.AccountID,
			RemoteUserID:    p.RemoteUserID,
			DisplayName:     p.DisplayName,
			ProfileImageURL: p.ProfileImageURL,
			IsBot:           p.IsBot,
			IsAdmin:         p.IsAdmin,
			AnonymousAlias:  p.AnonymousAlias,
			CreatedAt:       time.Now(),
		}
		created++
	}
	return created, nil
}

func (m *MemoryStore) FindThread(ctx context.Context, channelID uuid.UUID, remoteThreadID string) (*storage.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[channelKey{channelID, remoteThreadID}]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) FindOrCreateThread(ctx context.Context, params storage.ThreadParams) (*storage.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := channelKey{params.ChannelID, params.RemoteThreadID}
	if t, ok := m.threads[key]; ok {
		cp := *t
		return &cp, nil
	}
	t := &storage.Thread{
		ID:             uuid.New(),
		ChannelID:      params.ChannelID,
		RemoteThreadID: params.RemoteThreadID,
		Slug:           params.Slug,
		SentAt:         params.SentAt,
		CreatedAt:      time.Now(),
	}
	m.threads[key] = t
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CreateMessage(ctx context.Context, params storage.MessageParams) (*storage.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.FailMessages[params.RemoteMessageID]; err != nil {
		return nil, err
	}
	key := channelKey{params.ChannelID, params.RemoteMessageID}
	if _, exists := m.messages[key]; exists {
		return nil, fmt.Errorf("duplicate message %s", params.RemoteMessageID)
	}
	return m.putMessage(key, params), nil
}

func (m *MemoryStore) CreateOrUpdateMessage(ctx context.Context, params storage.MessageParams) (*storage.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.FailMessages[params.RemoteMessageID]; err != nil {
		return nil, err
	}
	key := channelKey{params.ChannelID, params.RemoteMessageID}
	existing, ok := m.messages[key]
	if !ok {
		return m.putMessage(key, params), nil
	}

	existing.Body = params.Body
	existing.Blocks = params.Blocks
	existing.Kind = params.Kind
	existing.Reactions = params.Reactions
	if existing.ThreadID == nil {
		existing.ThreadID = params.ThreadID
	}
	if existing.AuthorID == nil {
		existing.AuthorID = params.AuthorID
	}
	existing.Attachments = mergeAttachments(existing.Attachments, params.Attachments)
	existing.UpdatedAt = time.Now()

	return cloneMessage(existing), nil
}

func (m *MemoryStore) putMessage(key channelKey, params storage.MessageParams) *storage.Message {
	now := time.Now()
	msg := &storage.Message{
		ID:              uuid.New(),
		ChannelID:       params.ChannelID,
		ThreadID:        params.ThreadID,
		AuthorID:        params.AuthorID,
		RemoteMessageID: params.RemoteMessageID,
		RemoteAuthorID:  params.RemoteAuthorID,
		Kind:            params.Kind,
		Body:            params.Body,
		Blocks:          params.Blocks,
		SentAt:          params.SentAt,
		Reactions:       params.Reactions,
		Attachments:     append([]storage.Attachment(nil), params.Attachments...),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.messages[key] = msg
	return cloneMessage(msg)
}

func cloneMessage(msg *storage.Message) *storage.Message {
	cp := *msg
	cp.Attachments = append([]storage.Attachment(nil), msg.Attachments...)
	return &cp
}

// mergeAttachments keeps mirror state of files that are still attached.
func mergeAttachments(existing, incoming []storage.Attachment) []storage.Attachment {
	mirrored := make(map[string]storage.Attachment, len(existing))
	for _, a := range existing {
		mirrored[a.RemoteFileID] = a
	}
	out := make([]storage.Attachment, 0, len(incoming))
	for _, a := range incoming {
		if prev, ok := mirrored[a.RemoteFileID]; ok {
			a.StoredPath = prev.StoredPath
			a.ContentHash = prev.ContentHash
		}
		out = append(out, a)
	}
	return out
}

func (m *MemoryStore) RecordAttachmentContent(ctx context.Context, messageID uuid.UUID, remoteFileID, storedPath, contentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages {
		if msg.ID != messageID {
			continue
		}
		for i := range msg.Attachments {
			if msg.Attachments[i].RemoteFileID == remoteFileID {
				msg.Attachments[i].StoredPath = storedPath
				msg.Attachments[i].ContentHash = contentHash
				return nil
			}
		}
	}
	return fmt.Errorf("attachment %s of message %s not found", remoteFileID, messageID)
}

func (m *MemoryStore) UpsertAccount(ctx context.Context, params storage.AccountParams) (*storage.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[params.RemoteTeamID]
	if !ok {
		a = &storage.Account{ID: uuid.New(), RemoteTeamID: params.RemoteTeamID, CreatedAt: time.Now()}
		m.accounts[params.RemoteTeamID] = a
	}
	a.Name = params.Name
	a.Domain = params.Domain
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) FindAccount(ctx context.Context, remoteTeamID string) (*storage.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[remoteTeamID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) UpsertChannel(ctx context.Context, params storage.ChannelParams) (*storage.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.channels {
		if c.AccountID == params.AccountID && c.RemoteChannelID == params.RemoteChannelID {
			c.Name = params.Name
			c.IsPrivate = params.IsPrivate
			c.IsArchived = params.IsArchived
			cp := *c
			return &cp, nil
		}
	}
	c := &storage.Channel{
		ID:              uuid.New(),
		AccountID:       params.AccountID,
		RemoteChannelID: params.RemoteChannelID,
		Name:            params.Name,
		IsPrivate:       params.IsPrivate,
		IsArchived:      params.IsArchived,
		CreatedAt:       time.Now(),
	}
	m.channels[c.ID] = c
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) FindChannel(ctx context.Context, accountID uuid.UUID, remoteChannelID string) (*storage.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.channels {
		if c.AccountID == accountID && c.RemoteChannelID == remoteChannelID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetChannel(ctx context.Context, id uuid.UUID) (*storage.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.channels[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListChannels(ctx context.Context, accountID uuid.UUID) ([]storage.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []storage.Channel
	for _, c := range m.channels {
		if c.AccountID == accountID && !c.IsArchived {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// Messages returns stored messages of a channel ordered by sent time.
func (m *MemoryStore) Messages(channelID uuid.UUID) []storage.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []storage.Message
	for key, msg := range m.messages {
		if key.channelID == channelID {
			out = append(out, *cloneMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out
}

// Message returns one stored message or nil.
func (m *MemoryStore) Message(channelID uuid.UUID, remoteMessageID string) *storage.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[channelKey{channelID, remoteMessageID}]
	if !ok {
		return nil
	}
	return cloneMessage(msg)
}

// Threads returns every stored thread.
func (m *MemoryStore) Threads() []storage.Thread {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []storage.Thread
	for _, t := range m.threads {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteThreadID < out[j].RemoteThreadID })
	return out
}

// Users returns every stored user of an account.
func (m *MemoryStore) Users(accountID uuid.UUID) []storage.User {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []storage.User
	for key, u := range m.users {
		if key.accountID == accountID {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteUserID < out[j].RemoteUserID })
	return out
}

var _ storage.Store = (*MemoryStore)(nil)
