package slack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"chatarchive/internal/logging"
	"chatarchive/internal/metrics"
	"chatarchive/internal/storage"
	"chatarchive/internal/textutil"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"golang.org/x/sync/errgroup"
)

// RemoteAPI is the subset of Client the importer drives.
type RemoteAPI interface {
	FetchConversationHistory(ctx context.Context, cred Credential, channelID, cursor string) (*HistoryPage, error)
	FetchThreadReplies(ctx context.Context, cred Credential, channelID, threadTS string) (*RepliesPage, error)
	ListUsers(ctx context.Context, cred Credential) (*UserPage, error)
	NextUsers(ctx context.Context, prev *UserPage) (*UserPage, error)
	GetUserProfile(ctx context.Context, cred Credential, userID string) (*slack.User, error)
	FetchTeamInfo(ctx context.Context, cred Credential) (*slack.TeamInfo, error)
	ListChannels(ctx context.Context, cred Credential, teamID, cursor string) (*ChannelPage, error)
	JoinChannel(ctx context.Context, cred Credential, channelID string) (*slack.Channel, error)
	FetchFile(ctx context.Context, cred *Credential, fileURL string, w io.Writer) error
}

// ImporterOptions tunes an Importer. Zero values fall back to defaults.
type ImporterOptions struct {
	ThreadConcurrency int

	// Channels limits SyncWorkspace to these remote channel ids.
	Channels     []string
	JoinChannels bool
	Reporter     Reporter
	Retrier      *Retrier
	Alias        func() string
	Slugify      func(string) string

	// FileMirrorDir enables downloading attachments into this directory.
	FileMirrorDir string
}

// Importer pulls Slack history into the store. It keeps no state between
// calls; concurrent imports converge through the store's unique keys.
type Importer struct {
	client     RemoteAPI
	store      storage.Store
	reconciler *Reconciler
	reporter   Reporter
	retrier    *Retrier
	fileDir    string

	threadConcurrency int
	channels          map[string]bool
	joinChannels      bool
	alias             func() string
	slugify           func(string) string
}

func NewImporter(client RemoteAPI, store storage.Store, opts ImporterOptions) *Importer {
	i := &Importer{
		client:            client,
		store:             store,
		reconciler:        NewReconciler(store),
		reporter:          opts.Reporter,
		retrier:           opts.Retrier,
		fileDir:           opts.FileMirrorDir,
		threadConcurrency: opts.ThreadConcurrency,
		joinChannels:      opts.JoinChannels,
		alias:             opts.Alias,
		slugify:           opts.Slugify,
	}
	if i.reporter == nil {
		i.reporter = SlogReporter{}
	}
	if i.retrier == nil {
		i.retrier = NewRetrier(RetryPolicy{MaxTries: 1}, nil)
	}
	if i.threadConcurrency < 1 {
		i.threadConcurrency = 4
	}
	if i.alias == nil {
		i.alias = textutil.NewAlias
	}
	if i.slugify == nil {
		i.slugify = textutil.Slugify
	}
	if len(opts.Channels) > 0 {
		i.channels = make(map[string]bool, len(opts.Channels))
		for _, id := range opts.Channels {
			i.channels[id] = true
		}
	}
	return i
}

// ImportChannelHistory walks the channel's history page by page, upserting
// each message, then imports the replies of every thread it saw. A failed
// page fetch ends pagination; threads already collected are still imported
// and the fetch error is returned.
func (i *Importer) ImportChannelHistory(ctx context.Context, channel storage.Channel, cred Credential) error {
	logger := logging.LoggerFromContext(ctx).With(
		slog.String("channel_id", channel.RemoteChannelID),
		slog.String("account_id", channel.AccountID.String()),
	)
	ctx = logging.ContextWithLogger(ctx, logger)

	var (
		threads  []ThreadRef
		seen     = make(map[string]bool)
		cursor   string
		fetchErr error
		imported int
	)

	for page := 1; ; page++ {
		var hp *HistoryPage
		err := i.retrier.Do(ctx, "conversations.history", func(ctx context.Context) error {
			var err error
			hp, err = i.client.FetchConversationHistory(ctx, cred, channel.RemoteChannelID, cursor)
			return err
		})
		if err != nil {
			metrics.PagesFetched.WithLabelValues("error").Inc()
			fetchErr = fmt.Errorf("failed to fetch history page %d of %s: %w", page, channel.RemoteChannelID, err)
			break
		}
		metrics.PagesFetched.WithLabelValues("ok").Inc()
		logger.Debug("Fetched history page", "page", page, "messages", len(hp.Messages), "has_more", hp.HasMore)

		for _, msg := range hp.Messages {
			if !IsContent(msg) {
				metrics.MessagesImported.WithLabelValues("history", "skipped").Inc()
				continue
			}
			if err := i.storeMessage(ctx, channel, msg, cred, "history", nil); err == nil {
				imported++
			}
			if ts := msg.ThreadTimestamp; ts != "" && !seen[ts] {
				seen[ts] = true
				threads = append(threads, ThreadRef{
					ChannelID:       channel.ID,
					RemoteChannelID: channel.RemoteChannelID,
					RemoteThreadID:  ts,
				})
			}
		}

		if !hp.HasMore || hp.NextCursor == "" {
			break
		}
		cursor = hp.NextCursor
	}

	logger.Info("Imported channel history", "messages", imported, "threads", len(threads))

	if len(threads) > 0 {
		if err := i.ImportThreadReplies(ctx, threads, cred, channel.AccountID); err != nil {
			return errors.Join(fetchErr, err)
		}
	}
	return fetchErr
}

// ImportThreadReplies imports each thread with at most ThreadConcurrency
// threads in flight. A thread whose replies cannot be fetched is reported and
// the others continue; the circuit breaker opening aborts the whole batch.
func (i *Importer) ImportThreadReplies(ctx context.Context, threads []ThreadRef, cred Credential, accountID uuid.UUID) error {
	var g errgroup.Group
	g.SetLimit(i.threadConcurrency)

	for _, ref := range threads {
		g.Go(func() error {
			err := i.importThread(ctx, ref, cred, accountID)
			switch {
			case err == nil:
				metrics.ThreadsImported.WithLabelValues("ok").Inc()
				return nil
			case errors.Is(err, ErrCircuitOpen):
				metrics.ThreadsImported.WithLabelValues("error").Inc()
				return err
			default:
				metrics.ThreadsImported.WithLabelValues("error").Inc()
				i.reporter.Report(ctx, fmt.Errorf("thread %s in %s: %w", ref.RemoteThreadID, ref.RemoteChannelID, err))
				return nil
			}
		})
	}

	return g.Wait()
}

func (i *Importer) importThread(ctx context.Context, ref ThreadRef, cred Credential, accountID uuid.UUID) error {
	var page *RepliesPage
	err := i.retrier.Do(ctx, "conversations.replies", func(ctx context.Context) error {
		var err error
		page, err = i.client.FetchThreadReplies(ctx, cred, ref.RemoteChannelID, ref.RemoteThreadID)
		return err
	})
	if err != nil {
		return err
	}
	if page.HasMore {
		logging.LoggerFromContext(ctx).Warn("Thread has more replies than one page, importing the first page only",
			"thread_ts", ref.RemoteThreadID, "replies", len(page.Messages))
	}

	return i.saveThreadedMessages(ctx, ref, accountID, page.Messages, cred)
}

type timedReply struct {
	msg    slack.Message
	sentAt int64
}

// saveThreadedMessages creates the thread from its earliest reply and
// upserts every reply into it.
func (i *Importer) saveThreadedMessages(ctx context.Context, ref ThreadRef, accountID uuid.UUID, msgs []slack.Message, cred Credential) error {
	replies := make([]timedReply, 0, len(msgs))
	for _, msg := range msgs {
		if !IsContent(msg) {
			metrics.MessagesImported.WithLabelValues("replies", "skipped").Inc()
			continue
		}
		sentAt, err := ParseTS(msg.Timestamp)
		if err != nil {
			metrics.MessagesImported.WithLabelValues("replies", "failed").Inc()
			i.reporter.Report(ctx, &RecordError{RemoteChannelID: ref.RemoteChannelID, RemoteMessageID: msg.Timestamp, Err: err})
			continue
		}
		replies = append(replies, timedReply{msg: msg, sentAt: sentAt})
	}
	sort.SliceStable(replies, func(a, b int) bool {
		return replies[a].sentAt < replies[b].sentAt
	})

	var firstText string
	params := storage.ThreadParams{
		ChannelID:      ref.ChannelID,
		RemoteThreadID: ref.RemoteThreadID,
	}
	if len(replies) > 0 {
		firstText = replies[0].msg.Text
		params.SentAt = replies[0].sentAt
	} else if sentAt, err := ParseTS(ref.RemoteThreadID); err == nil {
		params.SentAt = sentAt
	}
	params.Slug = i.slugify(firstText)

	thread, err := i.reconciler.EnsureThread(ctx, params)
	if err != nil {
		return err
	}

	channel := storage.Channel{ID: ref.ChannelID, AccountID: accountID, RemoteChannelID: ref.RemoteChannelID}
	for _, r := range replies {
		// failures are reported per reply
		_ = i.storeMessage(ctx, channel, r.msg, cred, "replies", &thread.ID)
	}
	return nil
}

// ImportUsers creates users that are not yet known. Existing users, and
// with them their anonymous aliases, are left untouched.
func (i *Importer) ImportUsers(ctx context.Context, users []slack.User, accountID uuid.UUID) error {
	if len(users) == 0 {
		return nil
	}
	params := make([]storage.UserParams, 0, len(users))
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		params = append(params, ToUserParams(u, accountID, i.alias))
	}

	created, err := i.store.CreateManyUsers(ctx, params, true)
	if err != nil {
		return fmt.Errorf("failed to import %d users: %w", len(params), err)
	}
	metrics.UsersImported.Add(float64(created))
	logging.LoggerFromContext(ctx).Debug("Imported users", "received", len(users), "created", created)
	return nil
}

// ImportUser fetches one member's profile and stores it unless the user is
// already known.
func (i *Importer) ImportUser(ctx context.Context, accountID uuid.UUID, remoteUserID string, cred Credential) error {
	var user *slack.User
	err := i.retrier.Do(ctx, "users.info", func(ctx context.Context) error {
		var err error
		user, err = i.client.GetUserProfile(ctx, cred, remoteUserID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to fetch user %s: %w", remoteUserID, err)
	}
	return i.ImportUsers(ctx, []slack.User{*user}, accountID)
}

func (i *Importer) ensureUser(ctx context.Context, accountID uuid.UUID, remoteUserID string, cred Credential) error {
	author, err := i.reconciler.ResolveAuthor(ctx, accountID, remoteUserID)
	if err != nil || author != nil {
		return err
	}
	return i.ImportUser(ctx, accountID, remoteUserID, cred)
}

// ImportMessage stores a single message delivered by the Events API. A
// reply to a thread triggers a re-import of that thread so the thread row is
// created from its earliest reply.
func (i *Importer) ImportMessage(ctx context.Context, channel storage.Channel, msg slack.Message, cred Credential) error {
	if !IsContent(msg) {
		metrics.MessagesImported.WithLabelValues("live", "skipped").Inc()
		return nil
	}

	// Members who joined after the last workspace sync are fetched on first sight.
	if msg.User != "" {
		if err := i.ensureUser(ctx, channel.AccountID, msg.User, cred); err != nil {
			logging.LoggerFromContext(ctx).Warn("Failed to import message author", "user_id", msg.User, "error", err)
		}
	}

	if msg.ThreadTimestamp != "" && msg.ThreadTimestamp != msg.Timestamp {
		ref := ThreadRef{ChannelID: channel.ID, RemoteChannelID: channel.RemoteChannelID, RemoteThreadID: msg.ThreadTimestamp}
		return i.importThread(ctx, ref, cred, channel.AccountID)
	}

	return i.storeMessage(ctx, channel, msg, cred, "live", nil)
}

// storeMessage normalizes, reconciles and upserts one message. Failures are
// reported here and returned so callers can skip follow-up work.
func (i *Importer) storeMessage(ctx context.Context, channel storage.Channel, msg slack.Message, cred Credential, source string, threadID *uuid.UUID) error {
	stored, err := i.persist(ctx, channel, msg, threadID)
	if err != nil {
		metrics.MessagesImported.WithLabelValues(source, "failed").Inc()
		err = &RecordError{RemoteChannelID: channel.RemoteChannelID, RemoteMessageID: msg.Timestamp, Err: err}
		i.reporter.Report(ctx, err)
		return err
	}
	metrics.MessagesImported.WithLabelValues(source, "ok").Inc()

	if i.fileDir != "" {
		i.mirrorAttachments(ctx, channel, cred, stored)
	}
	return nil
}

func (i *Importer) persist(ctx context.Context, channel storage.Channel, msg slack.Message, threadID *uuid.UUID) (*storage.Message, error) {
	params, err := ToMessageParams(msg, channel.ID)
	if err != nil {
		return nil, err
	}

	params.AuthorID, err = i.reconciler.ResolveAuthor(ctx, channel.AccountID, params.RemoteAuthorID)
	if err != nil {
		return nil, err
	}

	params.ThreadID = threadID
	if params.ThreadID == nil && params.RemoteThreadID != "" {
		params.ThreadID, err = i.reconciler.ResolveThread(ctx, channel.ID, params.RemoteThreadID)
		if err != nil {
			return nil, err
		}
	}

	return i.store.CreateOrUpdateMessage(ctx, params)
}

// SyncWorkspace imports everything the credential can see: the team, its
// users, its channels and their history. Per-channel failures are collected
// and returned together; an open circuit breaker stops the run.
func (i *Importer) SyncWorkspace(ctx context.Context, cred Credential) error {
	logger := logging.LoggerFromContext(ctx)

	if i.retrier.breaker != nil {
		i.retrier.breaker.Reset()
	}

	var team *slack.TeamInfo
	err := i.retrier.Do(ctx, "team.info", func(ctx context.Context) error {
		var err error
		team, err = i.client.FetchTeamInfo(ctx, cred)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to fetch team info: %w", err)
	}

	account, err := i.store.UpsertAccount(ctx, storage.AccountParams{
		RemoteTeamID: team.ID,
		Name:         team.Name,
		Domain:       team.Domain,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", team.ID, err)
	}
	logger = logger.With(slog.String("account_id", account.ID.String()), slog.String("team_id", team.ID))
	ctx = logging.ContextWithLogger(ctx, logger)

	if err := i.syncUsers(ctx, cred, account.ID); err != nil {
		return err
	}

	channels, err := i.syncChannels(ctx, cred, account.ID, team.ID)
	if err != nil {
		return err
	}

	var errs []error
	for _, ch := range channels {
		if err := i.ImportChannelHistory(ctx, ch, cred); err != nil {
			if errors.Is(err, ErrCircuitOpen) {
				return errors.Join(append(errs, err)...)
			}
			errs = append(errs, err)
		}
	}

	logger.Info("Workspace sync finished", "channels", len(channels), "failed_channels", len(errs))
	return errors.Join(errs...)
}

func (i *Importer) syncUsers(ctx context.Context, cred Credential, accountID uuid.UUID) error {
	var page *UserPage
	err := i.retrier.Do(ctx, "users.list", func(ctx context.Context) error {
		var err error
		page, err = i.client.ListUsers(ctx, cred)
		return err
	})

	for err == nil {
		if err := i.ImportUsers(ctx, page.Users, accountID); err != nil {
			return err
		}
		if page.Done() {
			return nil
		}
		prev := page
		err = i.retrier.Do(ctx, "users.list", func(ctx context.Context) error {
			var err error
			page, err = i.client.NextUsers(ctx, prev)
			return err
		})
	}
	return fmt.Errorf("failed to list users: %w", err)
}

func (i *Importer) syncChannels(ctx context.Context, cred Credential, accountID uuid.UUID, teamID string) ([]storage.Channel, error) {
	logger := logging.LoggerFromContext(ctx)

	var (
		channels []storage.Channel
		cursor   string
	)
	for {
		var page *ChannelPage
		err := i.retrier.Do(ctx, "conversations.list", func(ctx context.Context) error {
			var err error
			page, err = i.client.ListChannels(ctx, cred, teamID, cursor)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list channels: %w", err)
		}

		for _, remote := range page.Channels {
			if i.channels != nil && !i.channels[remote.ID] {
				continue
			}

			ch, err := i.store.UpsertChannel(ctx, storage.ChannelParams{
				AccountID:       accountID,
				RemoteChannelID: remote.ID,
				Name:            remote.Name,
				IsPrivate:       remote.IsPrivate,
				IsArchived:      remote.IsArchived,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to upsert channel %s: %w", remote.ID, err)
			}

			if i.joinChannels && !remote.IsMember && !remote.IsPrivate {
				err := i.retrier.Do(ctx, "conversations.join", func(ctx context.Context) error {
					_, err := i.client.JoinChannel(ctx, cred, remote.ID)
					return err
				})
				if err != nil {
					logger.Warn("Could not join channel", "channel_id", remote.ID, "error", err)
				}
			}
			channels = append(channels, *ch)
		}

		if page.NextCursor == "" {
			return channels, nil
		}
		cursor = page.NextCursor
	}
}
