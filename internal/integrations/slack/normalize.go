package slack

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"chatarchive/internal/storage"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
)

// Kind is the stored classification of a message.
type Kind string

const (
	KindText            Kind = "text"
	KindBot             Kind = "bot"
	KindFileShare       Kind = "file_share"
	KindThreadBroadcast Kind = "thread_broadcast"
	KindSystem          Kind = "system"
	KindUnrecognized    Kind = "unrecognized"
)

// Membership and channel housekeeping events. They arrive as type "message"
// but carry no authored content.
var systemSubtypes = map[string]bool{
	"channel_join":      true,
	"channel_leave":     true,
	"channel_topic":     true,
	"channel_purpose":   true,
	"channel_name":      true,
	"channel_archive":   true,
	"channel_unarchive": true,
	"group_join":        true,
	"group_leave":       true,
	"pinned_item":       true,
	"unpinned_item":     true,
}

// Classify maps a raw Slack message onto a Kind. Anything that is not type
// "message" is treated as a system event.
func Classify(msg slack.Message) Kind {
	if msg.Type != "message" {
		return KindSystem
	}
	if systemSubtypes[msg.SubType] {
		return KindSystem
	}

	switch msg.SubType {
	case "", "me_message":
		if msg.BotID != "" {
			return KindBot
		}
		return KindText
	case "bot_message":
		return KindBot
	case "file_share":
		return KindFileShare
	case "thread_broadcast":
		return KindThreadBroadcast
	default:
		return KindUnrecognized
	}
}

// IsContent reports whether msg should be persisted at all.
func IsContent(msg slack.Message) bool {
	return Classify(msg) != KindSystem
}

// ParseTS converts a Slack ts ("1609459200.000100") to epoch milliseconds,
// flooring sub-millisecond precision.
func ParseTS(ts string) (int64, error) {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(ts), 64)
	if err != nil || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, fmt.Errorf("%w: %q", ErrMalformedTimestamp, ts)
	}
	return int64(math.Floor(seconds * 1000)), nil
}

// ToMessageParams builds the write model for msg in channelID. Author and
// thread references are left for the reconciler to fill.
func ToMessageParams(msg slack.Message, channelID uuid.UUID) (storage.MessageParams, error) {
	kind := Classify(msg)
	if kind == KindSystem {
		return storage.MessageParams{}, fmt.Errorf("%w: subtype %q", ErrNotContent, msg.SubType)
	}

	sentAt, err := ParseTS(msg.Timestamp)
	if err != nil {
		return storage.MessageParams{}, err
	}

	params := storage.MessageParams{
		ChannelID:       channelID,
		RemoteMessageID: msg.Timestamp,
		RemoteAuthorID:  authorOf(msg),
		RemoteThreadID:  msg.ThreadTimestamp,
		Kind:            string(kind),
		Body:            bodyOf(msg),
		SentAt:          time.UnixMilli(sentAt).UTC(),
	}

	if len(msg.Blocks.BlockSet) > 0 {
		blocks, err := json.Marshal(&msg.Blocks)
		if err != nil {
			return storage.MessageParams{}, fmt.Errorf("failed to encode blocks: %w", err)
		}
		params.Blocks = blocks
	}

	for _, r := range msg.Reactions {
		params.Reactions = append(params.Reactions, storage.Reaction{
			Name:          r.Name,
			Count:         r.Count,
			RemoteUserIDs: r.Users,
		})
	}

	for _, f := range msg.Files {
		params.Attachments = append(params.Attachments, storage.Attachment{
			RemoteFileID: f.ID,
			Name:         f.Name,
			Title:        f.Title,
			Mimetype:     f.Mimetype,
			URLPrivate:   f.URLPrivate,
			Size:         f.Size,
		})
	}

	return params, nil
}

func authorOf(msg slack.Message) string {
	if msg.User != "" {
		return msg.User
	}
	return msg.BotID
}

// bodyOf falls back to legacy attachment text for bot posts without text.
func bodyOf(msg slack.Message) string {
	if msg.Text != "" || len(msg.Attachments) == 0 {
		return msg.Text
	}
	var parts []string
	for _, a := range msg.Attachments {
		switch {
		case a.Text != "":
			parts = append(parts, a.Text)
		case a.Fallback != "":
			parts = append(parts, a.Fallback)
		}
	}
	return strings.Join(parts, "\n")
}

// ToUserParams builds the write model for a workspace member. alias is only
// consulted here; once stored the alias is never regenerated.
func ToUserParams(user slack.User, accountID uuid.UUID, alias func() string) storage.UserParams {
	return storage.UserParams{
		AccountID:       accountID,
		RemoteUserID:    user.ID,
		DisplayName:     displayName(user),
		ProfileImageURL: profileImage(user.Profile),
		IsBot:           user.IsBot,
		IsAdmin:         user.IsAdmin || user.IsOwner,
		AnonymousAlias:  alias(),
	}
}

func displayName(user slack.User) string {
	switch {
	case user.Profile.DisplayName != "":
		return user.Profile.DisplayName
	case user.Profile.DisplayNameNormalized != "":
		return user.Profile.DisplayNameNormalized
	case user.Profile.RealName != "":
		return user.Profile.RealName
	case user.Profile.RealNameNormalized != "":
		return user.Profile.RealNameNormalized
	case user.RealName != "":
		return user.RealName
	case user.Name != "":
		return user.Name
	default:
		return user.ID
	}
}

func profileImage(p slack.UserProfile) string {
	for _, url := range []string{p.ImageOriginal, p.Image512, p.Image192, p.Image72} {
		if url != "" {
			return url
		}
	}
	return ""
}
