// Package bot implements the HelpMe slash commands and interactions.
//
// Handlers never talk to Slack directly. Replies go through a Messenger, so
// the same code runs behind Socket Mode, the HTTP endpoints and the tests.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/ashureev/helpme-slack/internal/domain"
	"github.com/ashureev/helpme-slack/internal/helpme"
	"github.com/ashureev/helpme-slack/internal/linking"
	"github.com/ashureev/helpme-slack/internal/viewtoken"
)

// Command is one slash command invocation.
type Command struct {
	Name        string
	Text        string
	TeamID      string
	UserID      string
	ChannelID   string
	TriggerID   string
	ResponseURL string
}

// Route returns where ephemeral replies to the command go.
func (c Command) Route() Route {
	return Route{ChannelID: c.ChannelID, UserID: c.UserID, ResponseURL: c.ResponseURL}
}

// Route addresses an ephemeral reply. ResponseURL wins when set.
type Route struct {
	ChannelID   string
	UserID      string
	ResponseURL string
}

// Reply is a message body. Blocks are optional; Text is always the fallback.
type Reply struct {
	Text   string
	Blocks []slack.Block
}

// ThreadMessage is one message of a Slack thread.
type ThreadMessage struct {
	UserID    string
	BotID     string
	Text      string
	Timestamp string
}

// File is a downloaded Slack file.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Messenger is the Slack surface the handlers use.
type Messenger interface {
	Ephemeral(ctx context.Context, to Route, reply Reply) error
	// Post sends a visible message, in a thread when threadTS is set, and
	// returns the new message timestamp.
	Post(ctx context.Context, channelID, threadTS string, reply Reply) (string, error)
	OpenView(ctx context.Context, triggerID string, view slack.ModalViewRequest) error
	ThreadReplies(ctx context.Context, channelID, threadTS string) ([]ThreadMessage, error)
	DownloadFile(ctx context.Context, fileID string) (*File, error)
}

// Store is the persistence the handlers read and write.
type Store interface {
	GetLink(ctx context.Context, teamID, userID string) (*domain.UserLink, error)
	GetUserCourses(ctx context.Context, teamID, userID string) (*domain.UserCourses, error)
	SetDefaultCourse(ctx context.Context, teamID, userID string, courseID int64) error
	GetDefaultCourse(ctx context.Context, teamID, userID string) (int64, error)
	RecordQuestion(ctx context.Context, rec *domain.QuestionRecord) (int64, int64, error)
	ListInteractions(ctx context.Context, teamID, userID string, limit int) ([]domain.Interaction, int, error)
	UpdateQuestionScore(ctx context.Context, teamID, userID string, questionID int64, score int) error
}

// Gateway is the HelpMe backend.
type Gateway interface {
	Ask(ctx context.Context, token string, courseID int64, req helpme.AskRequest) (*helpme.Answer, error)
	AskAboutFile(ctx context.Context, token string, courseID int64, q helpme.FileQuestion) (*helpme.Answer, error)
	CourseSettings(ctx context.Context, token string, courseID int64) (*helpme.Settings, error)
	UpdateCourseSettings(ctx context.Context, token string, courseID int64, patch helpme.SettingsPatch) (*helpme.Settings, error)
	ResetCourseSettings(ctx context.Context, token string, courseID int64) (*helpme.Settings, error)
	Models(ctx context.Context, token string) ([]helpme.Model, error)
}

// Linker starts and removes account links.
type Linker interface {
	Issue(ctx context.Context, req linking.IssueRequest) (*linking.Issued, error)
	InjectToken(ctx context.Context, teamID, userID, token string) error
	Unlink(ctx context.Context, teamID, userID string) error
}

// Recorder counts handled commands. Optional.
type Recorder interface {
	CommandHandled(command, result string)
}

// Options configures a Bot.
type Options struct {
	// LinkingRequired rejects unlinked users. When false they are served
	// with the service key alone.
	LinkingRequired bool
	// DefaultCourseID is used when a user has no default course of their own.
	DefaultCourseID int64
	Views           *viewtoken.Signer
	Recorder        Recorder
}

// Bot handles commands and interactions.
type Bot struct {
	store     Store
	gateway   Gateway
	linker    Linker
	messenger Messenger
	opts      Options
	now       func() time.Time

	commands map[string]commandFunc
}

type commandFunc func(ctx context.Context, cmd Command) error

// New creates a Bot.
func New(store Store, gateway Gateway, linker Linker, messenger Messenger, opts Options) *Bot {
	b := &Bot{
		store:     store,
		gateway:   gateway,
		linker:    linker,
		messenger: messenger,
		opts:      opts,
		now:       time.Now,
	}
	b.commands = map[string]commandFunc{
		"ask":              b.ask,
		"link":             b.link,
		"unlink":           b.unlink,
		"courses":          b.courses,
		"default-course":   b.defaultCourse,
		"about-me":         b.aboutMe,
		"chatbot-history":  b.history,
		"chatbot-settings": b.settings,
		"chatbot-models":   b.models,
		"chatbot-thread":   b.thread,
		"upload-file":      b.uploadFile,
	}
	return b
}

// Commands lists the supported command names without the leading slash.
func (b *Bot) Commands() []string {
	names := make([]string, 0, len(b.commands))
	for name := range b.commands {
		names = append(names, name)
	}
	return names
}

// HandleCommand runs one command to completion. Every outcome, including
// failures, ends in a reply to the user.
func (b *Bot) HandleCommand(ctx context.Context, cmd Command) {
	name := strings.TrimPrefix(strings.TrimSpace(cmd.Name), "/")
	handler, ok := b.commands[name]
	if !ok {
		b.respond(ctx, cmd.Route(), fmt.Sprintf("Unknown command: /%s", name))
		b.record(name, "unknown")
		return
	}

	start := b.now()
	err := handler(ctx, cmd)
	if err != nil {
		result := b.fail(ctx, cmd.Route(), name, cmd.TeamID, cmd.UserID, err)
		b.record(name, result)
		return
	}
	slog.Debug("Command handled", "command", name, "team_id", cmd.TeamID, "user_id", cmd.UserID, "elapsed", b.now().Sub(start))
	b.record(name, "ok")
}

// fail reports err to the user and returns the result label for metrics.
func (b *Bot) fail(ctx context.Context, to Route, command, teamID, userID string, err error) string {
	text, result := describe(err)
	if result == resultError {
		slog.Error("Command failed", "command", command, "team_id", teamID, "user_id", userID, "error", err)
	} else {
		slog.Info("Command rejected", "command", command, "team_id", teamID, "user_id", userID, "result", result, "error", err)
	}
	b.respond(ctx, to, text)
	return result
}

func (b *Bot) respond(ctx context.Context, to Route, text string) {
	b.reply(ctx, to, Reply{Text: text})
}

func (b *Bot) reply(ctx context.Context, to Route, r Reply) {
	if err := b.messenger.Ephemeral(ctx, to, r); err != nil {
		slog.Warn("Failed to send reply", "channel_id", to.ChannelID, "user_id", to.UserID, "error", err)
	}
}

func (b *Bot) record(command, result string) {
	if b.opts.Recorder != nil {
		b.opts.Recorder.CommandHandled(command, result)
	}
}

// account is the identity a command runs as. link is nil when an unlinked
// user is served with the service key.
type account struct {
	link  *domain.UserLink
	token string
}

func (b *Bot) account(ctx context.Context, teamID, userID string) (*account, error) {
	link, err := b.store.GetLink(ctx, teamID, userID)
	if err != nil {
		return nil, fmt.Errorf("load link: %w", err)
	}
	if link.HasToken() {
		return &account{link: link, token: link.ChatToken}, nil
	}
	if !b.opts.LinkingRequired {
		return &account{link: link}, nil
	}
	if link != nil {
		return nil, noticef(resultNotLinked,
			"Your account is linked but no chat token was found. Run `/link refresh` to link again.")
	}
	return nil, domain.ErrNotLinked
}

// recordAnswer appends the exchange to the local log and returns the question
// ID, or zero when the log could not be written.
func (b *Bot) recordAnswer(ctx context.Context, teamID, userID, threadKey string, courseID int64, question string, ans *helpme.Answer) int64 {
	_, qid, err := b.store.RecordQuestion(ctx, &domain.QuestionRecord{
		ThreadKey:          threadKey,
		CourseID:           courseID,
		TeamID:             teamID,
		UserID:             userID,
		QuestionText:       question,
		ResponseText:       ans.Text,
		ExternalRefID:      ans.QuestionRef,
		IsPreviousQuestion: ans.IsPreviousQuestion,
	})
	if err != nil {
		slog.Warn("Failed to record question", "team_id", teamID, "user_id", userID, "error", err)
		return 0
	}
	return qid
}

// LinkNotifier tells users in Slack that linking finished.
type LinkNotifier struct {
	messenger Messenger
}

// NewLinkNotifier creates a LinkNotifier.
func NewLinkNotifier(m Messenger) *LinkNotifier {
	return &LinkNotifier{messenger: m}
}

// NotifyLinked posts an ephemeral note in the channel linking started from,
// or a direct message when there is none.
func (n *LinkNotifier) NotifyLinked(ctx context.Context, state *domain.LinkState, link *domain.UserLink) error {
	text := fmt.Sprintf("✅ Your Slack account is now linked to HelpMe as *%s*. Try `/courses` or `/ask`.", link.DisplayName())
	if err := notify(ctx, n.messenger, state.ChannelID, state.UserID, text); err != nil {
		return fmt.Errorf("notify linked: %w", err)
	}
	return nil
}
