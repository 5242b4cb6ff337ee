package bot

import (
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/helpme-slack/internal/domain"
	"github.com/ashureev/helpme-slack/internal/helpme"
)

// Result labels for command metrics.
const (
	resultNotLinked    = "not_linked"
	resultInvalidInput = "invalid_input"
	resultNoCourse     = "no_course"
	resultError        = "error"
)

const notLinkedText = "❌ You need to link your account first. Run `/link` to get started."

// notice is an expected outcome that ends the command with a message to the
// user instead of a result.
type notice struct {
	result string
	text   string
}

func (n *notice) Error() string { return n.result + ": " + n.text }

func noticef(result, format string, args ...any) error {
	return &notice{result: result, text: fmt.Sprintf(format, args...)}
}

// describe maps err to a user-facing message and a metrics label. Every
// message says what happened and what to do next.
func describe(err error) (string, string) {
	var n *notice
	if errors.As(err, &n) {
		return n.text, n.result
	}
	if errors.Is(err, domain.ErrNotLinked) {
		return notLinkedText, resultNotLinked
	}
	if errors.Is(err, domain.ErrInvalidInput) {
		return "⚠️ That request was missing something. Check the command usage and try again.", resultInvalidInput
	}

	var he *helpme.Error
	if errors.As(err, &he) {
		return backendText(he), he.Kind.String()
	}
	return "Sorry, something went wrong on our side. Please try again, and contact an administrator if it keeps happening.", resultError
}

func backendText(he *helpme.Error) string {
	switch he.Kind {
	case helpme.KindUnauthorized:
		return "🔒 HelpMe did not accept your saved credentials. Run `/link refresh` to link your account again."
	case helpme.KindQuotaExceeded:
		if he.ResetAt != nil {
			return fmt.Sprintf("⏳ You have reached your question limit. It resets at %s.", formatResetAt(*he.ResetAt))
		}
		return "⏳ You have reached your question limit. Please try again later."
	case helpme.KindNotFound:
		return "❌ Course not found or you don't have access to it. Run `/courses` to see the courses you can use."
	case helpme.KindValidation:
		return fmt.Sprintf("⚠️ HelpMe could not accept that request: %s. Check your input and try again.", he.Message)
	case helpme.KindUnavailable:
		return "⚠️ HelpMe is not responding right now. Please try again in a few minutes."
	default:
		return fmt.Sprintf("❌ HelpMe rejected the request: %s. Contact an administrator if this keeps happening.", he.Message)
	}
}

func formatResetAt(t time.Time) string {
	return t.UTC().Format("Mon Jan 2, 15:04 MST")
}
