// ABOUTME: Template rendering for report emails. Templates parsed once at init from embedded FS.
// ABOUTME: Subject comes from the text template's "subject" block and is CRLF-sanitized.
package notify

import (
	"bytes"
	"embed"
	"fmt"
	htmltpl "html/template"
	"strings"
	texttpl "text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Parsed templates — one per file to avoid {{define}} namespace collisions.
var (
	reportHTML *htmltpl.Template
	reportText *texttpl.Template
)

func init() {
	reportHTML = htmltpl.Must(htmltpl.New("").ParseFS(templateFS, "templates/report.html.tmpl"))
	reportText = texttpl.Must(texttpl.New("").ParseFS(templateFS, "templates/report.txt.tmpl"))
}

// ReportTemplateData is the context passed to report email templates.
type ReportTemplateData struct {
	Date           string // report date, YYYY-MM-DD
	Period         string // report period, YYYY-MM
	RowCount       int
	AttachmentName string
	Inline         bool   // true when the report is attached, false when linked
	DownloadURL    string // set when !Inline
	LinkExpiry     string // set when !Inline, e.g. "72h"
	SizeMB         string // set when !Inline
	Key            string
}

// TemplateError means rendering failed for this delivery attempt. Fatal: no
// partial email is ever sent.
type TemplateError struct {
	Err error
}

func (e *TemplateError) Error() string { return "render report email: " + e.Err.Error() }
func (e *TemplateError) Unwrap() error { return e.Err }

// RenderReport renders the report email. Returns subject, HTML body, and
// plaintext body.
func RenderReport(data ReportTemplateData) (string, string, string, error) {
	var subjectBuf bytes.Buffer
	if err := reportText.ExecuteTemplate(&subjectBuf, "subject", data); err != nil {
		return "", "", "", &TemplateError{Err: fmt.Errorf("subject: %w", err)}
	}
	subject := sanitizeSubject(subjectBuf.String())

	var htmlBuf bytes.Buffer
	if err := reportHTML.ExecuteTemplate(&htmlBuf, "body", data); err != nil {
		return "", "", "", &TemplateError{Err: fmt.Errorf("html: %w", err)}
	}

	var textBuf bytes.Buffer
	if err := reportText.ExecuteTemplate(&textBuf, "body", data); err != nil {
		return "", "", "", &TemplateError{Err: fmt.Errorf("text: %w", err)}
	}

	return subject, htmlBuf.String(), textBuf.String(), nil
}

// sanitizeSubject strips CR/LF to prevent email header injection.
func sanitizeSubject(s string) string {
	s = strings.TrimSpace(s)
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}
