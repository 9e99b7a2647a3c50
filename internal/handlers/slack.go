package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	slackintegration "chatarchive/internal/integrations/slack"
	"chatarchive/internal/metrics"
	"chatarchive/internal/storage"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const maxEventBodyBytes = 1 << 20

// MessageImporter stores a single live message.
type MessageImporter interface {
	ImportMessage(ctx context.Context, channel storage.Channel, msg slack.Message, cred slackintegration.Credential) error
}

// SlackHandler receives Events API callbacks, over HTTP or Socket Mode, and
// imports message events into channels we already mirror.
type SlackHandler struct {
	importer      MessageImporter
	store         storage.Store
	cred          slackintegration.Credential
	signingSecret string
	timeout       time.Duration

	// events are processed after the ack; tests wait on done.
	done chan struct{}
}

func NewSlackHandler(importer MessageImporter, store storage.Store, cred slackintegration.Credential, signingSecret string) *SlackHandler {
	return &SlackHandler{
		importer:      importer,
		store:         store,
		cred:          cred,
		signingSecret: signingSecret,
		timeout:       time.Minute,
	}
}

// HandleEvents serves the Events API request URL.
func (h *SlackHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBodyBytes))
	if err != nil {
		slog.Error("Error reading request body", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(r.Header, body) {
		metrics.SlackEventsReceived.WithLabelValues("unknown", "unauthorized").Inc()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		slog.Warn("Invalid Slack event payload", "error", err)
		metrics.SlackEventsReceived.WithLabelValues("unknown", "invalid").Inc()
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		metrics.SlackEventsReceived.WithLabelValues(slackevents.URLVerification, "ok").Inc()
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(challenge.Challenge))
	case slackevents.CallbackEvent:
		// Slack expects an ack within three seconds.
		w.WriteHeader(http.StatusOK)
		go h.handleCallback(event)
	default:
		metrics.SlackEventsReceived.WithLabelValues(event.Type, "ignored").Inc()
		w.WriteHeader(http.StatusOK)
	}
}

func (h *SlackHandler) verifySignature(header http.Header, body []byte) bool {
	verifier, err := slack.NewSecretsVerifier(header, h.signingSecret)
	if err != nil {
		slog.Debug("Missing or stale Slack signature headers", "error", err)
		return false
	}
	if _, err := verifier.Write(body); err != nil {
		return false
	}
	if err := verifier.Ensure(); err != nil {
		slog.Warn("Slack signature mismatch", "error", err)
		return false
	}
	return true
}

// StartSocketMode receives events over a Socket Mode connection until ctx is
// done. It is an alternative to exposing the HTTP request URL.
func (h *SlackHandler) StartSocketMode(ctx context.Context, appToken string, options ...slack.Option) error {
	options = append(options, slack.OptionAppLevelToken(appToken))
	client := socketmode.New(slack.New(h.cred.Token, options...))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-client.Events:
				h.handleSocketEvent(client, evt)
			}
		}
	}()

	slog.Info("Starting Slack Socket Mode connection")
	return client.RunContext(ctx)
}

func (h *SlackHandler) handleSocketEvent(client *socketmode.Client, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		slog.Info("Connected to Slack Socket Mode")
	case socketmode.EventTypeEventsAPI:
		event, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			slog.Debug("Ignored socket mode event", "type", evt.Type)
			return
		}
		if evt.Request != nil {
			client.Ack(*evt.Request)
		}
		if event.Type == slackevents.CallbackEvent {
			go h.handleCallback(event)
		}
	}
}

func (h *SlackHandler) handleCallback(event slackevents.EventsAPIEvent) {
	if h.done != nil {
		defer func() { h.done <- struct{}{} }()
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		status := h.handleMessage(ctx, event.TeamID, ev)
		metrics.SlackEventsReceived.WithLabelValues(string(slackevents.Message), status).Inc()
	default:
		metrics.SlackEventsReceived.WithLabelValues(event.InnerEvent.Type, "ignored").Inc()
	}
}

func (h *SlackHandler) handleMessage(ctx context.Context, teamID string, ev *slackevents.MessageEvent) string {
	msg, ok := messageFromEvent(ev)
	if !ok {
		return "ignored"
	}

	account, err := h.store.FindAccount(ctx, teamID)
	if err != nil {
		slog.Error("Failed to load account for event", "team_id", teamID, "error", err)
		return "error"
	}
	if account == nil {
		slog.Debug("Event for unknown workspace", "team_id", teamID)
		return "ignored"
	}

	channel, err := h.store.FindChannel(ctx, account.ID, ev.Channel)
	if err != nil {
		slog.Error("Failed to load channel for event", "channel_id", ev.Channel, "error", err)
		return "error"
	}
	if channel == nil {
		slog.Debug("Event for channel we do not mirror", "channel_id", ev.Channel)
		return "ignored"
	}

	if err := h.importer.ImportMessage(ctx, *channel, msg, h.cred); err != nil {
		slog.Error("Failed to import live message", "channel_id", ev.Channel, "ts", msg.Timestamp, "error", err)
		return "error"
	}
	return "ok"
}

// messageFromEvent converts a message event to the history wire shape.
// Edits carry the new message; deletions are not imported.
func messageFromEvent(ev *slackevents.MessageEvent) (slack.Message, bool) {
	switch ev.SubType {
	case "message_changed":
		if ev.Message == nil {
			return slack.Message{}, false
		}
		return toMessage(ev.Message), true
	case "message_deleted":
		return slack.Message{}, false
	}
	return toMessage(ev), true
}

func toMessage(ev *slackevents.MessageEvent) slack.Message {
	var msg slack.Message
	msg.Type = "message"
	msg.User = ev.User
	msg.Text = ev.Text
	msg.Timestamp = ev.TimeStamp
	msg.ThreadTimestamp = ev.ThreadTimeStamp
	msg.SubType = ev.SubType
	msg.BotID = ev.BotID
	msg.Attachments = ev.Attachments
	for _, f := range ev.Files {
		msg.Files = append(msg.Files, slack.File{
			ID:         f.ID,
			Name:       f.Name,
			Title:      f.Title,
			Mimetype:   f.Mimetype,
			URLPrivate: f.URLPrivate,
			Size:       f.Size,
		})
	}
	return msg
}
