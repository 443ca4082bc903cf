// Package email delivers notification emails rendered from job payloads.
package email

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/spendwise-app/spendwise/internal/config"
)

// Message is one outbound email.
type Message struct {
	From     string
	To       string
	Subject  string
	Body     string
	Template string
}

// Sender delivers a message. Implementations must be safe for concurrent use;
// the email queue runs many workers.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// knownTemplates maps template names to subject lines. Unknown templates are
// rejected before delivery is attempted.
var knownTemplates = map[string]string{
	"welcome":        "Welcome to SpendWise",
	"monthly-report": "Your monthly spending report is ready",
	"budget-alert":   "Budget alert: you are over a category limit",
}

// Compose builds a Message from a template name and substitution data.
func Compose(cfg config.EmailConfig, template, recipient string, data map[string]string) (Message, error) {
	subject, ok := knownTemplates[template]
	if !ok {
		return Message{}, eris.Errorf("email: unknown template %q", template)
	}
	if recipient == "" {
		return Message{}, eris.New("email: empty recipient")
	}

	body := subject
	for key, value := range data {
		body += fmt.Sprintf("\n%s: %s", key, value)
	}

	return Message{
		From:     cfg.From,
		To:       recipient,
		Subject:  subject,
		Body:     body,
		Template: template,
	}, nil
}

// LogSender records deliveries through the logger instead of a real
// provider. It stands in until an SMTP or API-backed sender is wired.
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg Message) error {
	zap.L().Info("email: delivered",
		zap.String("template", msg.Template),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return nil
}
