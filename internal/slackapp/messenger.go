// Package slackapp connects the bot to Slack over Socket Mode or HTTP.
package slackapp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/slack-go/slack"

	"github.com/ashureev/helpme-slack/internal/bot"
)

const (
	// messageLimit keeps plain messages under Slack's 4000 character cap.
	messageLimit = 3500

	threadReplyLimit = 50
	defaultMaxTries  = 5

	// DefaultMaxFileSize caps files downloaded for analysis.
	DefaultMaxFileSize = 20 << 20
)

// API is the part of *slack.Client the Messenger uses.
type API interface {
	PostEphemeralContext(ctx context.Context, channelID, userID string, options ...slack.MsgOption) (string, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	OpenViewContext(ctx context.Context, triggerID string, view slack.ModalViewRequest) (*slack.ViewResponse, error)
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	GetFileInfoContext(ctx context.Context, fileID string, count, page int) (*slack.File, []slack.Comment, *slack.Paging, error)
	GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error
}

// Messenger implements bot.Messenger on the Slack Web API. Calls that hit a
// rate limit are retried after the delay Slack asks for.
type Messenger struct {
	api         API
	maxTries    uint
	retryBase   time.Duration
	maxFileSize int64
}

// MessengerOption configures a Messenger.
type MessengerOption func(*Messenger)

// WithMaxFileSize overrides DefaultMaxFileSize.
func WithMaxFileSize(n int64) MessengerOption {
	return func(m *Messenger) { m.maxFileSize = n }
}

// WithRetry sets the attempt budget and the base delay between attempts.
func WithRetry(maxTries uint, base time.Duration) MessengerOption {
	return func(m *Messenger) {
		m.maxTries = maxTries
		m.retryBase = base
	}
}

// NewMessenger creates a Messenger.
func NewMessenger(api API, opts ...MessengerOption) *Messenger {
	m := &Messenger{
		api:         api,
		maxTries:    defaultMaxTries,
		retryBase:   500 * time.Millisecond,
		maxFileSize: DefaultMaxFileSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ bot.Messenger = (*Messenger)(nil)

// Ephemeral replies through the response URL when there is one, since it
// works in channels the bot has not joined.
func (m *Messenger) Ephemeral(ctx context.Context, to bot.Route, reply bot.Reply) error {
	for _, opts := range messageOptions(reply) {
		var err error
		if to.ResponseURL != "" {
			opts = append(opts, slack.MsgOptionResponseURL(to.ResponseURL, slack.ResponseTypeEphemeral))
			err = m.retry(ctx, "chat.postMessage", func() error {
				_, _, err := m.api.PostMessageContext(ctx, to.ChannelID, opts...)
				return err
			})
		} else {
			err = m.retry(ctx, "chat.postEphemeral", func() error {
				_, err := m.api.PostEphemeralContext(ctx, to.ChannelID, to.UserID, opts...)
				return err
			})
		}
		if err != nil {
			return fmt.Errorf("send ephemeral: %w", err)
		}
	}
	return nil
}

// Post sends a visible message. Long plain text continues in the same
// thread, or under the first chunk when threadTS is empty.
func (m *Messenger) Post(ctx context.Context, channelID, threadTS string, reply bot.Reply) (string, error) {
	var first string
	for _, opts := range messageOptions(reply) {
		thread := threadTS
		if thread == "" {
			thread = first
		}
		if thread != "" {
			opts = append(opts, slack.MsgOptionTS(thread))
		}
		var ts string
		err := m.retry(ctx, "chat.postMessage", func() error {
			var err error
			_, ts, err = m.api.PostMessageContext(ctx, channelID, opts...)
			return err
		})
		if err != nil {
			return first, fmt.Errorf("post message: %w", err)
		}
		if first == "" {
			first = ts
		}
	}
	return first, nil
}

// OpenView opens a modal.
func (m *Messenger) OpenView(ctx context.Context, triggerID string, view slack.ModalViewRequest) error {
	err := m.retry(ctx, "views.open", func() error {
		_, err := m.api.OpenViewContext(ctx, triggerID, view)
		return err
	})
	if err != nil {
		return fmt.Errorf("open view: %w", err)
	}
	return nil
}

// ThreadReplies returns up to 50 messages of the thread, root included.
func (m *Messenger) ThreadReplies(ctx context.Context, channelID, threadTS string) ([]bot.ThreadMessage, error) {
	var msgs []slack.Message
	err := m.retry(ctx, "conversations.replies", func() error {
		var err error
		msgs, _, _, err = m.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
			ChannelID: channelID,
			Timestamp: threadTS,
			Limit:     threadReplyLimit,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read thread: %w", err)
	}
	out := make([]bot.ThreadMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, bot.ThreadMessage{
			UserID:    msg.User,
			BotID:     msg.BotID,
			Text:      msg.Text,
			Timestamp: msg.Timestamp,
		})
	}
	return out, nil
}

// ErrFileTooLarge is returned for files over the download cap.
var ErrFileTooLarge = errors.New("file too large")

// DownloadFile fetches a file the user shared with the bot.
func (m *Messenger) DownloadFile(ctx context.Context, fileID string) (*bot.File, error) {
	var info *slack.File
	err := m.retry(ctx, "files.info", func() error {
		var err error
		info, _, _, err = m.api.GetFileInfoContext(ctx, fileID, 0, 0)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("file info: %w", err)
	}
	if m.maxFileSize > 0 && int64(info.Size) > m.maxFileSize {
		return nil, fmt.Errorf("file %s is %d bytes: %w", fileID, info.Size, ErrFileTooLarge)
	}
	url := info.URLPrivateDownload
	if url == "" {
		url = info.URLPrivate
	}

	var buf bytes.Buffer
	if err := m.api.GetFileContext(ctx, url, &buf); err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	if m.maxFileSize > 0 && int64(buf.Len()) > m.maxFileSize {
		return nil, fmt.Errorf("file %s: %w", fileID, ErrFileTooLarge)
	}
	return &bot.File{Name: info.Name, MimeType: info.Mimetype, Data: buf.Bytes()}, nil
}

// retry runs op until it succeeds, fails with something other than a rate
// limit, or runs out of attempts.
func (m *Messenger) retry(ctx context.Context, method string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.retryBase
	b.MaxInterval = 30 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err == nil {
			return struct{}{}, nil
		}
		var rl *slack.RateLimitedError
		if errors.As(err, &rl) {
			slog.Warn("Slack rate limit hit", "method", method, "retry_after", rl.RetryAfter)
			return struct{}{}, backoff.RetryAfter(int(math.Ceil(rl.RetryAfter.Seconds())))
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(m.maxTries),
	)
	return err
}

// messageOptions renders a reply as one message per chunk. Replies with
// blocks are sent whole; the text is only the notification fallback then.
func messageOptions(reply bot.Reply) [][]slack.MsgOption {
	if len(reply.Blocks) > 0 {
		fallback := reply.Text
		if len(fallback) > messageLimit {
			fallback = bot.SplitText(fallback, messageLimit)[0]
		}
		return [][]slack.MsgOption{{
			slack.MsgOptionText(fallback, false),
			slack.MsgOptionBlocks(reply.Blocks...),
		}}
	}
	parts := bot.SplitText(reply.Text, messageLimit)
	out := make([][]slack.MsgOption, 0, len(parts))
	for _, part := range parts {
		out = append(out, []slack.MsgOption{slack.MsgOptionText(part, false)})
	}
	return out
}
