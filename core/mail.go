package core

import (
	"bytes"
	"embed"
	htmltmpl "html/template"
	"io/fs"
	"net/mail"
	"path"
	"strings"
	"sync"
	texttmpl "text/template"

	"github.com/pkg/errors"
)

//go:embed templates
var templateFS embed.FS

var (
	textTemplates map[string]*texttmpl.Template
	htmlTemplates map[string]*htmltmpl.Template
	tmplInit      sync.Once
)

type (
	EmailMessage struct {
		To      []mail.Address
		Cc      []mail.Address
		Bcc     []mail.Address
		Subject string
		BodyStr string // simple text/plain, non-templated content

		// templated contents
		TemplateName string // without ext
		TemplateData interface{}
		TextContent  string
		HTMLContent  string
	}

	// ContextData is the root object available to all email templates.
	ContextData struct {
		FrontendBaseURL string
		Data            interface{}
	}

	// EmailService is any service that can send emails.
	EmailService interface {
		// SendMessages sends messages concurrently.
		SendMessages(messages ...*EmailMessage)
	}
)

// ParseEmailTemplates parses all the embedded email templates into memory.
// It is safe to call multiple times; parsing happens once.
func ParseEmailTemplates(logger Logger) {
	tmplInit.Do(func() {
		textTemplates = make(map[string]*texttmpl.Template)
		htmlTemplates = make(map[string]*htmltmpl.Template)

		entries, err := fs.ReadDir(templateFS, "templates")
		if err != nil {
			logger.Fatal("reading email templates", err)
			return
		}
		for _, entry := range entries {
			name := entry.Name()
			fpath := path.Join("templates", name)
			switch {
			case strings.HasSuffix(name, ".txt.tmpl"):
				key := strings.TrimSuffix(name, ".txt.tmpl")
				tmpl, err := texttmpl.ParseFS(templateFS, fpath)
				if err != nil {
					logger.Fatal("parsing email template "+name, err)
					return
				}
				textTemplates[key] = tmpl
			case strings.HasSuffix(name, ".html.tmpl"):
				key := strings.TrimSuffix(name, ".html.tmpl")
				tmpl, err := htmltmpl.ParseFS(templateFS, fpath)
				if err != nil {
					logger.Fatal("parsing email template "+name, err)
					return
				}
				htmlTemplates[key] = tmpl
			}
		}
	})
}

// Render fills TextContent (and HTMLContent when an html template exists)
// from BodyStr or the message's template.
func (m *EmailMessage) Render(conf *Config) error {
	if m.BodyStr != "" {
		m.TextContent = m.BodyStr
		return nil
	}
	if m.TemplateName == "" {
		return nil
	}

	data := ContextData{
		FrontendBaseURL: conf.FrontendBaseURL,
		Data:            m.TemplateData,
	}

	tmpl, ok := textTemplates[m.TemplateName]
	if !ok {
		return errors.Errorf("unknown email template %q", m.TemplateName)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return errors.Wrap(err, "rendering text template "+m.TemplateName)
	}
	m.TextContent = buf.String()

	if htmlTmpl, ok := htmlTemplates[m.TemplateName]; ok {
		buf.Reset()
		if err := htmlTmpl.Execute(&buf, data); err != nil {
			return errors.Wrap(err, "rendering html template "+m.TemplateName)
		}
		m.HTMLContent = buf.String()
	}
	return nil
}

func (m *EmailMessage) HasRecipients() bool {
	return len(m.To) > 0 || len(m.Cc) > 0 || len(m.Bcc) > 0
}

func (m *EmailMessage) HasContent() bool {
	return m.TextContent != "" || m.HTMLContent != ""
}
