package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"

	"github.com/ashureev/helpme-slack/internal/helpme"
	"github.com/ashureev/helpme-slack/internal/viewtoken"
)

// Upload modal identifiers.
const (
	UploadCallbackID    = "upload_file_modal"
	UploadQuestionBlock = "question_block"
	UploadQuestionInput = "question_input"
	UploadFileBlock     = "file_block"
	UploadFileInput     = "file_input"
)

const defaultFileQuestion = "What's in this file?"

var (
	uploadFileTypes = []string{"png", "jpg", "jpeg", "gif", "pdf"}
	uploadMimeTypes = map[string]bool{
		"image/png":       true,
		"image/jpeg":      true,
		"image/jpg":       true,
		"image/gif":       true,
		"application/pdf": true,
	}
)

// uploadFile opens the upload modal. The course is fixed when the modal
// opens and travels in the signed private metadata.
func (b *Bot) uploadFile(ctx context.Context, cmd Command) error {
	if _, err := b.account(ctx, cmd.TeamID, cmd.UserID); err != nil {
		return err
	}
	course, err := b.pickCourse(ctx, cmd.TeamID, cmd.UserID, unquote(strings.TrimSpace(cmd.Text)))
	if err != nil {
		return err
	}
	if b.opts.Views == nil {
		return errors.New("upload: view signer not configured")
	}
	meta, err := b.opts.Views.Sign(viewtoken.Claims{
		TeamID:    cmd.TeamID,
		UserID:    cmd.UserID,
		ChannelID: cmd.ChannelID,
		CourseID:  course.ID,
	})
	if err != nil {
		return err
	}

	if err := b.messenger.OpenView(ctx, cmd.TriggerID, uploadModal(meta, course.Name)); err != nil {
		slog.Warn("Failed to open upload modal", "team_id", cmd.TeamID, "user_id", cmd.UserID, "error", err)
		return noticef("view_failed", "I couldn't open the upload dialog. Please run `/upload-file` again.")
	}
	return nil
}

func uploadModal(meta, courseName string) slack.ModalViewRequest {
	question := slack.NewPlainTextInputBlockElement(
		slack.NewTextBlockObject(slack.PlainTextType, "e.g., What's in this image?", false, false),
		UploadQuestionInput)
	question.Multiline = true

	file := slack.NewFileInputBlockElement(UploadFileInput)
	file.FileTypes = uploadFileTypes
	file.MaxFiles = 1

	return slack.ModalViewRequest{
		Type:            slack.VTModal,
		CallbackID:      UploadCallbackID,
		PrivateMetadata: meta,
		Title:           slack.NewTextBlockObject(slack.PlainTextType, "Upload File for AI", false, false),
		Submit:          slack.NewTextBlockObject(slack.PlainTextType, "Analyze File", false, false),
		Close:           slack.NewTextBlockObject(slack.PlainTextType, "Cancel", false, false),
		Blocks: slack.Blocks{
			BlockSet: []slack.Block{
				slack.NewContextBlock("",
					slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("Course: *%s*", courseName), false, false)),
				slack.NewInputBlock(UploadQuestionBlock,
					slack.NewTextBlockObject(slack.PlainTextType, "What would you like to know about this file?", false, false),
					nil, question),
				slack.NewInputBlock(UploadFileBlock,
					slack.NewTextBlockObject(slack.PlainTextType, "Upload File", false, false),
					nil, file),
			},
		},
	}
}

// UploadSubmission is a submitted upload modal.
type UploadSubmission struct {
	TeamID   string
	UserID   string
	Metadata string
	Question string
	FileIDs  []string
}

// HandleUploadSubmission verifies the modal context, fetches the file and
// asks HelpMe about it. Results go back to the channel the modal came from.
func (b *Bot) HandleUploadSubmission(ctx context.Context, sub UploadSubmission) {
	const command = "upload-file-submit"

	if b.opts.Views == nil {
		slog.Error("Upload submitted but no view signer is configured")
		return
	}
	claims, err := b.opts.Views.Verify(sub.Metadata)
	if err != nil || claims.TeamID != sub.TeamID || claims.UserID != sub.UserID {
		slog.Warn("Rejected upload submission with bad metadata", "team_id", sub.TeamID, "user_id", sub.UserID, "error", err)
		b.notifyUser(ctx, "", sub.UserID, "❌ That upload dialog has expired. Run `/upload-file` again.")
		b.record(command, "invalid_view")
		return
	}

	text, result := b.analyzeUpload(ctx, claims, sub)
	b.notifyUser(ctx, claims.ChannelID, claims.UserID, text)
	b.record(command, result)
}

func (b *Bot) analyzeUpload(ctx context.Context, claims *viewtoken.Claims, sub UploadSubmission) (string, string) {
	if len(sub.FileIDs) == 0 {
		return "❌ No file selected. Please run `/upload-file` and choose a file.", resultInvalidInput
	}
	question := strings.TrimSpace(sub.Question)
	if question == "" {
		question = defaultFileQuestion
	}

	acct, err := b.account(ctx, claims.TeamID, claims.UserID)
	if err != nil {
		return b.describeLogged(claims, err)
	}

	f, err := b.messenger.DownloadFile(ctx, sub.FileIDs[0])
	if err != nil {
		slog.Warn("Failed to fetch uploaded file", "user_id", claims.UserID, "file_id", sub.FileIDs[0], "error", err)
		return "❌ I couldn't read that file from Slack. Please upload it again.", "file_unavailable"
	}
	if !uploadMimeTypes[strings.ToLower(f.MimeType)] {
		return fmt.Sprintf("❌ File type %s is not supported. Supported types: PNG, JPEG, GIF, PDF.", orDefault(f.MimeType)), "unsupported_file"
	}

	ans, err := b.gateway.AskAboutFile(ctx, acct.token, claims.CourseID, helpme.FileQuestion{
		Question:    question,
		FileName:    f.Name,
		ContentType: f.MimeType,
		Data:        f.Data,
	})
	if err != nil {
		return b.describeLogged(claims, err)
	}
	b.recordAnswer(ctx, claims.TeamID, claims.UserID, "", claims.CourseID, question, ans)
	name := f.Name
	if name == "" {
		name = "file"
	}
	return fmt.Sprintf("🤖 *AI Analysis of %s:*\n\n%s%s", name, ans.Text, formatSources(ans.SourceDocuments)), "ok"
}

func (b *Bot) describeLogged(claims *viewtoken.Claims, err error) (string, string) {
	text, result := describe(err)
	if result == resultError {
		slog.Error("Upload analysis failed", "team_id", claims.TeamID, "user_id", claims.UserID, "error", err)
	}
	return text, result
}

func (b *Bot) notifyUser(ctx context.Context, channelID, userID, text string) {
	if err := notify(ctx, b.messenger, channelID, userID, text); err != nil {
		slog.Warn("Failed to message user", "user_id", userID, "error", err)
	}
}

// notify sends an ephemeral message in channelID, falling back to a direct
// message when there is no channel or the bot cannot post there.
func notify(ctx context.Context, m Messenger, channelID, userID, text string) error {
	if channelID != "" {
		err := m.Ephemeral(ctx, Route{ChannelID: channelID, UserID: userID}, Reply{Text: text})
		if err == nil {
			return nil
		}
		slog.Debug("Ephemeral message failed, sending DM", "channel_id", channelID, "error", err)
	}
	_, err := m.Post(ctx, userID, "", Reply{Text: text})
	return err
}
