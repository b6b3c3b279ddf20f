package export

import (
	"bytes"
	"html/template"
	"time"
)

var documentTemplate = template.Must(template.New("plan").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(layout)
	},
}).Parse(planTemplate))

// RenderHTML renders doc as a standalone HTML page.
func RenderHTML(doc Document) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, doc); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const planTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.5; max-width: 760px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #8a5a2b; padding-bottom: 0.4rem; }
    h2 { color: #8a5a2b; margin-top: 2rem; }
    h3 { font-size: 1rem; margin-bottom: 0.2rem; }
    .meta { color: #666; font-size: 0.9em; }
    section { page-break-inside: avoid; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  {{with formatDate .UpdatedAt "Jan 2, 2006 15:04 MST"}}<p class="meta">Last edited {{.}}</p>{{end}}
  {{range .Sections}}
  <section>
    <h2>{{.Heading}}</h2>
    {{range .Fields}}
    <h3>{{.Label}}</h3>
    {{.Body}}
    {{end}}
  </section>
  {{else}}
  <p class="meta">This plan has no content yet.</p>
  {{end}}
</body>
</html>
`
