// Package email notifies reporters by mail when their issues move through the
// workflow.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration. An empty Host disables sending.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// Configured reports whether an SMTP host was provided.
func (s *Service) Configured() bool {
	return s != nil && strings.TrimSpace(s.config.Host) != ""
}

var updateTemplate = template.Must(template.New("issue-update").Parse(`<html>
<body style="font-family: sans-serif; color: #222;">
  <p>Hi {{.ReporterName}},</p>
  <p>Your issue <strong>{{.IssueTitle}}</strong> is now <strong>{{.Status}}</strong>.</p>
  {{if .Note}}<p>{{.Note}}</p>{{end}}
  <p>Sign in to CivicTrack to follow the full timeline.</p>
</body>
</html>`))

type updateData struct {
	ReporterName string
	IssueTitle   string
	Status       string
	Note         string
}

// SendIssueUpdate mails one status notification to a reporter.
func (s *Service) SendIssueUpdate(to, reporterName, issueTitle, status, note string) error {
	if !s.Configured() {
		return nil
	}

	var body bytes.Buffer
	if err := updateTemplate.Execute(&body, updateData{
		ReporterName: reporterName,
		IssueTitle:   issueTitle,
		Status:       status,
		Note:         note,
	}); err != nil {
		return fmt.Errorf("render update mail: %w", err)
	}

	subject := fmt.Sprintf("Your issue %q is now %s", issueTitle, status)
	message := buildMessage(s.config, to, subject, body.String())

	if err := smtp.SendMail(s.server, s.auth, s.config.From, []string{to}, message); err != nil {
		return fmt.Errorf("send update mail: %w", err)
	}
	return nil
}

func buildMessage(config Config, to, subject, htmlBody string) []byte {
	from := config.From
	if config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", config.FromName, config.From)
	}

	var message strings.Builder
	message.WriteString(fmt.Sprintf("From: %s\r\n", from))
	message.WriteString(fmt.Sprintf("To: %s\r\n", to))
	message.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	message.WriteString("MIME-Version: 1.0\r\n")
	message.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	message.WriteString("\r\n")
	message.WriteString(htmlBody)
	return []byte(message.String())
}
