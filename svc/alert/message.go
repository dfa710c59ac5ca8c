package alert

import (
	"bytes"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"securepad/pkg/domain"
	"securepad/svc/util"
)

const userAgentLimit = 100

type eventText struct {
	Subject string
	Icon    string
	Title   string
	Message string
}

var eventCatalog = map[domain.EventType]eventText{
	domain.EventNoteAccessed: {
		Subject: "Your SecurePad note was accessed",
		Icon:    "👁️",
		Title:   "Note Access Alert",
		Message: "Someone successfully accessed your note.",
	},
	domain.EventLoginFailed: {
		Subject: "Failed login attempt on your SecurePad note",
		Icon:    "🚫",
		Title:   "Failed Login Attempt",
		Message: "Someone tried to access your note with an incorrect password.",
	},
	domain.EventBruteForce: {
		Subject: "SECURITY ALERT: Multiple failed login attempts",
		Icon:    "⛔",
		Title:   "Brute Force Attack Detected",
		Message: "Multiple failed password attempts detected from the same IP address.",
	},
	domain.EventFileUploaded: {
		Subject: "File uploaded to your SecurePad note",
		Icon:    "📎",
		Title:   "File Upload",
		Message: "A file was uploaded to your note.",
	},
	domain.EventFileDownloaded: {
		Subject: "File downloaded from your SecurePad note",
		Icon:    "⬇️",
		Title:   "File Download",
		Message: "A file was downloaded from your note.",
	},
	domain.EventFileDeleted: {
		Subject: "File deleted from your SecurePad note",
		Icon:    "🗑️",
		Title:   "File Deletion",
		Message: "A file was deleted from your note.",
	},
}

var fallbackText = eventText{
	Subject: "SecurePad activity alert",
	Icon:    "🔔",
	Title:   "Activity Alert",
	Message: "Activity detected on your note.",
}

type messageData struct {
	eventText
	Slug         string
	Time         string
	IP           string
	UserAgent    string
	FileName     string
	AttemptCount int
	BruteForce   bool
	Link         string
}

// Message is a rendered alert.
type Message struct {
	Subject string
	HTML    string
	Text    string
}

var htmlTmpl = htmltemplate.Must(htmltemplate.New("alert").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; background: #f7fafc; margin: 0; padding: 20px;">
  <div style="max-width: 600px; margin: 0 auto;">
    <div style="background: #667eea; color: #fff; padding: 30px; text-align: center; border-radius: 10px 10px 0 0;">
      <div style="font-size: 48px;">{{.Icon}}</div>
      <h1 style="margin: 0; font-size: 24px;">{{.Title}}</h1>
    </div>
    <div style="background: #fff; padding: 30px; border-radius: 0 0 10px 10px;">
      <p style="font-size: 16px; color: #333;">{{.Message}}</p>
      <div style="background: #fff3cd; border-left: 4px solid #ffc107; padding: 15px; margin: 20px 0;">
        <strong>Note ID:</strong> {{.Slug}}
      </div>
      <div style="background: #f8f9fa; padding: 15px; font-size: 14px; color: #495057;">
        <p><strong>Time:</strong> {{.Time}}</p>
        {{- if .IP}}
        <p><strong>IP Address:</strong> {{.IP}}</p>{{end}}
        {{- if .UserAgent}}
        <p><strong>Browser:</strong> {{.UserAgent}}</p>{{end}}
        {{- if .FileName}}
        <p><strong>File:</strong> {{.FileName}}</p>{{end}}
        {{- if .AttemptCount}}
        <p><strong>Failed Attempts:</strong> {{.AttemptCount}}</p>{{end}}
      </div>
      <p style="font-size: 14px; color: #666;">
        {{- if .BruteForce}}<strong>Action recommended:</strong> if this wasn't you, move your content to a new note with a stronger password.
        {{- else}}If this wasn't you, please verify your note's security.{{end}}
      </p>
      <a href="{{.Link}}" style="display: inline-block; background: #667eea; color: #fff; padding: 12px 24px; text-decoration: none; border-radius: 6px;">View Your Note</a>
    </div>
    <p style="text-align: center; color: #6c757d; font-size: 12px;">You received this because you enabled alerts for note: {{.Slug}}</p>
  </div>
</body>
</html>`))

var textTmpl = texttemplate.Must(texttemplate.New("alert").Parse(`{{.Title}}

{{.Message}}

Note ID: {{.Slug}}
Time: {{.Time}}
{{if .IP}}IP Address: {{.IP}}
{{end}}{{if .UserAgent}}Browser: {{.UserAgent}}
{{end}}{{if .FileName}}File: {{.FileName}}
{{end}}{{if .AttemptCount}}Failed Attempts: {{.AttemptCount}}
{{end}}
View your note: {{.Link}}
`))

// Render builds the subject and bodies for one alert. Unknown event types
// get a generic message.
func Render(appURL, slug string, event domain.EventType, detail domain.AlertDetail, at time.Time) (*Message, error) {
	text, ok := eventCatalog[event]
	if !ok {
		text = fallbackText
	}
	data := messageData{
		eventText:    text,
		Slug:         slug,
		Time:         at.UTC().Format("2006-01-02 15:04:05 MST"),
		IP:           detail.IP,
		UserAgent:    util.Truncate(detail.UserAgent, userAgentLimit),
		FileName:     detail.FileName,
		AttemptCount: detail.AttemptCount,
		BruteForce:   event == domain.EventBruteForce,
		Link:         strings.TrimRight(appURL, "/") + "/pad/" + slug,
	}
	var html, plain bytes.Buffer
	if err := htmlTmpl.Execute(&html, data); err != nil {
		return nil, err
	}
	if err := textTmpl.Execute(&plain, data); err != nil {
		return nil, err
	}
	return &Message{Subject: text.Subject, HTML: html.String(), Text: plain.String()}, nil
}
