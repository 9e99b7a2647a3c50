package slack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"chatarchive/internal/metrics"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

const (
	historyPageSize = 200
	// conversations.replies accepts up to 1000 per page; we read one page.
	repliesPageSize = 1000
	usersPageSize   = 200
	channelPageSize = 999
)

// ClientOptions configures the Slack Web API client.
type ClientOptions struct {
	// APIURL overrides https://slack.com/api/ and must end with a slash.
	APIURL        string
	HTTPClient    *http.Client
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// Client issues Slack Web API requests. It never retries; callers decide the
// retry policy. Outbound calls are paced per token.
type Client struct {
	apiURL     string
	httpClient *http.Client
	timeout    time.Duration
	rate       rate.Limit
	burst      int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a new Slack API client
func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		apiURL:     opts.APIURL,
		httpClient: httpClient,
		timeout:    timeout,
		rate:       limit,
		burst:      burst,
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (c *Client) api(cred Credential) *slack.Client {
	options := []slack.Option{slack.OptionHTTPClient(c.httpClient)}
	if c.apiURL != "" {
		options = append(options, slack.OptionAPIURL(c.apiURL))
	}
	return slack.New(cred.Token, options...)
}

func (c *Client) limiter(token string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[token]
	if !ok {
		l = rate.NewLimiter(c.rate, c.burst)
		c.limiters[token] = l
	}
	return l
}

// call paces, bounds and instruments a single request.
func (c *Client) call(ctx context.Context, cred Credential, method string, fn func(ctx context.Context, api *slack.Client) error) error {
	if cred.Token == "" {
		return fmt.Errorf("%s: %w", method, ErrMissingCredential)
	}
	if err := c.limiter(cred.Token).Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx, c.api(cred))
	metrics.SlackAPICallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	metrics.SlackAPICalls.WithLabelValues(method, callStatus(err)).Inc()

	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func callStatus(err error) string {
	var rateLimited *slack.RateLimitedError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}

// FetchConversationHistory reads one page of channel history. An empty cursor
// requests the first page.
func (c *Client) FetchConversationHistory(ctx context.Context, cred Credential, channelID, cursor string) (*HistoryPage, error) {
	var page HistoryPage
	err := c.call(ctx, cred, "conversations.history", func(ctx context.Context, api *slack.Client) error {
		resp, err := api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
			ChannelID: channelID,
			Cursor:    cursor,
			Limit:     historyPageSize,
		})
		if err != nil {
			return err
		}
		page = HistoryPage{
			Messages:   resp.Messages,
			HasMore:    resp.HasMore,
			NextCursor: resp.ResponseMetaData.NextCursor,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchThreadReplies reads the first page of a thread, parent included.
// Threads longer than one page come back with HasMore set and are truncated.
func (c *Client) FetchThreadReplies(ctx context.Context, cred Credential, channelID, threadTS string) (*RepliesPage, error) {
	var page RepliesPage
	err := c.call(ctx, cred, "conversations.replies", func(ctx context.Context, api *slack.Client) error {
		msgs, hasMore, _, err := api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
			ChannelID: channelID,
			Timestamp: threadTS,
			Limit:     repliesPageSize,
		})
		if err != nil {
			return err
		}
		page = RepliesPage{Messages: msgs, HasMore: hasMore}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// ListUsers reads the first page of users.list.
func (c *Client) ListUsers(ctx context.Context, cred Credential) (*UserPage, error) {
	var pager slack.UserPagination
	err := c.call(ctx, cred, "users.list", func(ctx context.Context, api *slack.Client) error {
		var err error
		pager, err = api.GetUsersPaginated(slack.GetUsersOptionLimit(usersPageSize)).Next(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &UserPage{Users: pager.Users, cred: cred, pager: pager}, nil
}

// NextUsers reads the page following prev. Past the last page it returns an
// empty page whose Done reports true.
func (c *Client) NextUsers(ctx context.Context, prev *UserPage) (*UserPage, error) {
	if prev.done {
		return &UserPage{cred: prev.cred, pager: prev.pager, done: true}, nil
	}
	var (
		pager slack.UserPagination
		done  bool
	)
	err := c.call(ctx, prev.cred, "users.list", func(ctx context.Context, _ *slack.Client) error {
		var err error
		pager, err = prev.pager.Next(ctx)
		if prev.pager.Done(err) {
			done = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if done {
		return &UserPage{cred: prev.cred, pager: prev.pager, done: true}, nil
	}
	return &UserPage{Users: pager.Users, cred: prev.cred, pager: pager}, nil
}

// GetUserProfile reads users.info for a single user.
func (c *Client) GetUserProfile(ctx context.Context, cred Credential, userID string) (*slack.User, error) {
	var user *slack.User
	err := c.call(ctx, cred, "users.info", func(ctx context.Context, api *slack.Client) error {
		var err error
		user, err = api.GetUserInfoContext(ctx, userID)
		return err
	})
	return user, err
}

// FetchTeamInfo reads team.info for the token's workspace.
func (c *Client) FetchTeamInfo(ctx context.Context, cred Credential) (*slack.TeamInfo, error) {
	var team *slack.TeamInfo
	err := c.call(ctx, cred, "team.info", func(ctx context.Context, api *slack.Client) error {
		var err error
		team, err = api.GetTeamInfoContext(ctx)
		return err
	})
	return team, err
}

// JoinChannel makes the bot a member of a public channel.
func (c *Client) JoinChannel(ctx context.Context, cred Credential, channelID string) (*slack.Channel, error) {
	var channel *slack.Channel
	err := c.call(ctx, cred, "conversations.join", func(ctx context.Context, api *slack.Client) error {
		var err error
		channel, _, _, err = api.JoinConversationContext(ctx, channelID)
		return err
	})
	return channel, err
}

// ListChannels reads one page of non-archived channels of a team.
func (c *Client) ListChannels(ctx context.Context, cred Credential, teamID, cursor string) (*ChannelPage, error) {
	var page ChannelPage
	err := c.call(ctx, cred, "conversations.list", func(ctx context.Context, api *slack.Client) error {
		channels, next, err := api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Cursor:          cursor,
			ExcludeArchived: true,
			Limit:           channelPageSize,
			TeamID:          teamID,
		})
		if err != nil {
			return err
		}
		page = ChannelPage{Channels: channels, NextCursor: next}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchFile streams fileURL into w. Private Slack files need a credential;
// public URLs can be fetched with cred == nil.
func (c *Client) FetchFile(ctx context.Context, cred *Credential, fileURL string, w io.Writer) error {
	if cred != nil {
		return c.call(ctx, *cred, "files.download", func(ctx context.Context, api *slack.Client) error {
			return api.GetFileContext(ctx, fileURL, w)
		})
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return fmt.Errorf("files.download: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("files.download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("files.download: %w", slack.StatusCodeError{Code: resp.StatusCode, Status: resp.Status})
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("files.download: %w", err)
	}
	return nil
}
