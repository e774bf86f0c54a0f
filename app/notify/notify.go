// Package notify delivers run summaries and failure alerts through email,
// slack, telegram and webhooks.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"

	"github.com/freqops/trainn/app/trainer"
)

// Params defines notification behavior
type Params struct {
	EnabledError      bool
	EnabledCompletion bool
	ErrorTemplate     string // custom template file for error messages
	SummaryTemplate   string // custom template file for run summaries
	HostName          string
}

// SendersParams holds credentials and destinations for all senders
type SendersParams struct {
	SMTPHost     string
	SMTPPort     int
	SMTPTLS      bool
	SMTPUsername string
	SMTPPassword string
	SMTPTimeOut  time.Duration

	FromEmail string
	ToEmails  []string

	SlackToken    string
	SlackChannels []string

	TelegramToken        string
	TelegramDestinations []string

	WebhookURLs []string
}

// Service routes messages to all configured destinations
type Service struct {
	Params
	destinations  []notify.Notifier
	fromEmail     string
	toEmail       []string
	slackChannels []string
	telegramDests []string
	webhookURLs   []string
}

// NewService makes a notification service, nil when nothing is configured
func NewService(p Params, sp SendersParams) *Service {
	res := Service{
		Params:        p,
		fromEmail:     sp.FromEmail,
		toEmail:       sp.ToEmails,
		slackChannels: sp.SlackChannels,
		telegramDests: sp.TelegramDestinations,
		webhookURLs:   sp.WebhookURLs,
	}
	if res.HostName == "" {
		res.HostName = hostName()
	}
	if res.fromEmail == "" {
		res.fromEmail = "trainn@" + res.HostName
	}

	if len(sp.ToEmails) > 0 {
		res.destinations = append(res.destinations, notify.NewEmail(notify.SMTPParams{
			Host:        sp.SMTPHost,
			Port:        sp.SMTPPort,
			TLS:         sp.SMTPTLS,
			Username:    sp.SMTPUsername,
			Password:    sp.SMTPPassword,
			TimeOut:     sp.SMTPTimeOut,
			ContentType: "text/html",
		}))
	}

	if sp.SlackToken != "" && len(sp.SlackChannels) > 0 {
		res.destinations = append(res.destinations, notify.NewSlack(sp.SlackToken))
	}

	if sp.TelegramToken != "" && len(sp.TelegramDestinations) > 0 {
		tg, err := notify.NewTelegram(notify.TelegramParams{Token: sp.TelegramToken, Timeout: 10 * time.Second})
		if err != nil {
			log.Printf("[WARN] telegram sender disabled, %v", err)
		} else {
			res.destinations = append(res.destinations, tg)
		}
	}

	if len(sp.WebhookURLs) > 0 {
		res.destinations = append(res.destinations, notify.NewWebhook(notify.WebhookParams{Timeout: 10 * time.Second}))
	}

	if len(res.destinations) == 0 {
		return nil
	}
	return &res
}

// Send delivers the message to every configured destination, collecting
// failures without aborting the rest.
func (s *Service) Send(ctx context.Context, subj, text string) error {
	var errs []error
	for _, dest := range s.destinations {
		for _, target := range s.targets(dest.Schema(), subj) {
			if err := dest.Send(ctx, target, text); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// targets expands a sender schema into concrete destination URLs
func (s *Service) targets(schema, subj string) []string {
	switch schema {
	case "mailto":
		return []string{"mailto:" + strings.Join(s.toEmail, ",") +
			"?from=" + s.fromEmail + "&subject=" + url.QueryEscape(subj)}
	case "slack":
		res := make([]string, 0, len(s.slackChannels))
		for _, ch := range s.slackChannels {
			res = append(res, "slack:"+ch+"?title="+url.QueryEscape(subj))
		}
		return res
	case "telegram":
		res := make([]string, 0, len(s.telegramDests))
		for _, d := range s.telegramDests {
			res = append(res, "telegram:"+d)
		}
		return res
	default: // webhook sender covers http and https
		return s.webhookURLs
	}
}

// IsOnError reports if error notifications are enabled
func (s *Service) IsOnError() bool { return s.EnabledError }

// IsOnCompletion reports if completion notifications are enabled
func (s *Service) IsOnCompletion() bool { return s.EnabledCompletion }

func hostName() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

var defaultErrorTmpl = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body { font-family: "Arial"; font-size: 1.0em; }
			pre { padding: 0.6em; font-size: 0.7em; background-color: #E8E2A0; font-family: "Menlo";
				overflow-x: auto; white-space: pre-wrap; word-wrap: break-word; }
			.bold { color: #882828; font-weight: 900; }
		</style>
	</head>
	<body>
		<p>Training run failed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Stage: <span class="bold">{{.Stage}}</span></li>
		</ul>
		<pre>
{{.Error}}
		</pre>
	</body>
</html>
`

// MakeErrorHTML renders the failure message for a dispatch stage
func (s *Service) MakeErrorHTML(stage, errorLog string) (string, error) {
	data := struct {
		Stage string
		TS    time.Time
		Error string
		Host  string
	}{
		Stage: stage,
		TS:    time.Now(),
		Error: errorLog,
		Host:  s.HostName,
	}
	return renderTemplate(s.ErrorTemplate, defaultErrorTmpl, data)
}

var defaultSummaryTmpl = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body { font-family: "Arial"; font-size: 1.0em; }
			table { border-collapse: collapse; }
			td, th { border: 1px solid #ccc; padding: 0.3em 0.6em; font-size: 0.85em; }
			.ok { color: #287828; }
			.failed { color: #882828; font-weight: 900; }
		</style>
	</head>
	<body>
		<p>Training run finished on <b>{{.Host}}</b>, timerange {{.Timerange}}: {{.OK}} ok, {{.Failed}} failed, {{.Skipped}} skipped</p>
		<table>
			<tr><th>pair</th><th>identifier</th><th>status</th><th>duration</th></tr>
			{{- range .Results}}
			<tr><td>{{.Pair}}</td><td>{{.Identifier}}</td><td class="{{.Status}}">{{.Status}}</td><td>{{.Duration}}</td></tr>
			{{- end}}
		</table>
	</body>
</html>
`

// MakeSummaryHTML renders the per-pair outcome table for a finished dispatch
func (s *Service) MakeSummaryHTML(timerange string, results []trainer.Result) (string, error) {
	type row struct {
		Pair, Identifier string
		Status           trainer.Status
		Duration         time.Duration
	}
	data := struct {
		Host, Timerange     string
		OK, Failed, Skipped int
		Results             []row
	}{Host: s.HostName, Timerange: timerange}

	for _, r := range results {
		switch r.Status {
		case trainer.StatusOK:
			data.OK++
		case trainer.StatusFailed:
			data.Failed++
		case trainer.StatusSkipped:
			data.Skipped++
		}
		data.Results = append(data.Results, row{
			Pair: r.Pair, Identifier: r.Identifier, Status: r.Status,
			Duration: r.Duration().Round(time.Second),
		})
	}
	return renderTemplate(s.SummaryTemplate, defaultSummaryTmpl, data)
}

// renderTemplate applies the custom template file when set and parsable,
// falling back to the built-in one
func renderTemplate(customFile, deflt string, data any) (string, error) {
	tmplText := deflt
	if customFile != "" {
		body, err := os.ReadFile(customFile) //nolint:gosec // operator supplied path
		if err != nil {
			log.Printf("[WARN] can't read template %s, using default, %v", customFile, err)
		} else {
			tmplText = string(body)
		}
	}

	t, err := template.New("msg").Parse(tmplText)
	if err != nil {
		if tmplText != deflt {
			log.Printf("[WARN] can't parse custom template, using default, %v", err)
			t, err = template.New("msg").Parse(deflt)
		}
		if err != nil {
			return "", fmt.Errorf("can't parse message template: %w", err)
		}
	}

	buf := bytes.Buffer{}
	if err = t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}
