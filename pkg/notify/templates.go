package notify

import (
	"bytes"
	"fmt"
	"text/template"
)

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

// TemplateText is the source of one notice.
type TemplateText struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// DefaultTemplates returns the built-in notice texts.
func DefaultTemplates() map[EventType]TemplateText {
	return map[EventType]TemplateText{
		EventExpiryWarning: {
			Subject: "Your {{.Package}} plan expires soon",
			Body:    "Hi {{.Name}}, your {{.Package}} plan expires on {{.ExpiresAt}}. Renew to stay connected.",
		},
		EventExpired: {
			Subject: "Your {{.Package}} plan has expired",
			Body:    "Hi {{.Name}}, your {{.Package}} plan expired on {{.ExpiresAt}}. Renew to reconnect.",
		},
		EventQuotaWarning: {
			Subject: "You have used {{.Percent}}% of your data",
			Body:    "Hi {{.Name}}, you have used {{.Used}} of {{.Limit}} on your {{.Package}} plan ({{.Percent}}%).",
		},
		EventSuspended: {
			Subject: "Your service is suspended",
			Body:    "Hi {{.Name}}, your {{.Package}} plan is suspended: {{.Reason}}.",
		},
		EventActivated: {
			Subject: "Your {{.Package}} plan is active",
			Body:    "Hi {{.Name}}, your {{.Package}} plan is active until {{.ExpiresAt}}.",
		},
		EventRenewed: {
			Subject: "Your {{.Package}} plan was renewed",
			Body:    "Hi {{.Name}}, your {{.Package}} plan was renewed until {{.ExpiresAt}}.",
		},
	}
}

func parseTemplates(texts map[EventType]TemplateText) (map[EventType]*messageTemplate, error) {
	out := make(map[EventType]*messageTemplate, len(texts))
	for ev, t := range texts {
		subject, err := template.New(string(ev) + ".subject").Option("missingkey=zero").Parse(t.Subject)
		if err != nil {
			return nil, fmt.Errorf("template %s subject: %w", ev, err)
		}
		body, err := template.New(string(ev) + ".body").Option("missingkey=zero").Parse(t.Body)
		if err != nil {
			return nil, fmt.Errorf("template %s body: %w", ev, err)
		}
		out[ev] = &messageTemplate{subject: subject, body: body}
	}
	return out, nil
}

func (t *messageTemplate) render(data map[string]any) (Message, error) {
	var subject, body bytes.Buffer
	if err := t.subject.Execute(&subject, data); err != nil {
		return Message{}, err
	}
	if err := t.body.Execute(&body, data); err != nil {
		return Message{}, err
	}
	return Message{Subject: subject.String(), Body: body.String()}, nil
}
