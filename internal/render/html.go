// Package render turns a date range of journal entries into the HTML
// document delivered to channel callbacks.
package render

import (
	"bytes"
	"encoding/json"
	"html/template"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"hpjflow/internal/journal"
	"hpjflow/internal/task"
)

const namePrefix = "hpj"

const journalTemplate = `<!DOCTYPE html>
<html lang="ru">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #999; padding: 6px 10px; text-align: left; vertical-align: top; }
th { background: #f0f0f0; }
caption { font-size: 1.2em; margin-bottom: 0.5em; }
</style>
</head>
<body>
<table>
<caption>{{.Title}}</caption>
<tr><th>Дата</th>{{range .Fields}}<th>{{.}}</th>{{end}}</tr>
{{range .Rows}}<tr><td>{{.Date}}</td>{{range .Values}}<td>{{.}}</td>{{end}}</tr>
{{end}}</table>
</body>
</html>
`

// Generator renders journal entries into an HTML document. One Generator per
// worker; it is not safe for concurrent use only because of the underlying
// buffer reuse in callers, the Generator itself is stateless.
type Generator struct {
	tmpl *template.Template
}

// NewGenerator parses the built-in journal template.
func NewGenerator() *Generator {
	return &Generator{
		tmpl: template.Must(template.New("journal").Parse(journalTemplate)),
	}
}

type row struct {
	Date   string
	Values []string
}

type params struct {
	Title  string
	Fields []string
	Rows   []row
}

// Generate renders entries sorted by journal date. Entry bodies are flat
// JSON objects of survey answers; the union of their keys becomes the table
// columns.
func (g *Generator) Generate(entries []journal.Entry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, errors.New("render: no entries to render")
	}

	sorted := make([]journal.Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		a, _ := time.Parse(task.DateLayout, sorted[i].Date)
		b, _ := time.Parse(task.DateLayout, sorted[j].Date)
		return a.Before(b)
	})

	replies := make([]map[string]string, len(sorted))
	fieldSet := map[string]struct{}{}
	var fields []string
	for i, e := range sorted {
		var reply map[string]string
		if err := json.Unmarshal(e.Body, &reply); err != nil {
			return nil, errors.Wrapf(err, "entry %s is not a flat answer map", e.Date)
		}
		replies[i] = reply
		for k := range reply {
			if _, seen := fieldSet[k]; !seen {
				fieldSet[k] = struct{}{}
				fields = append(fields, k)
			}
		}
	}
	sort.Strings(fields)

	p := params{
		Title:  "Дневник: " + sorted[0].Date + " — " + sorted[len(sorted)-1].Date,
		Fields: fields,
	}
	for i, e := range sorted {
		r := row{Date: e.Date}
		for _, f := range fields {
			r.Values = append(r.Values, replies[i][f])
		}
		p.Rows = append(p.Rows, r)
	}

	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, p); err != nil {
		return nil, errors.Wrap(err, "render journal")
	}
	return buf.Bytes(), nil
}

// Filename derives the deterministic artifact name for a report period.
func (g *Generator) Filename(period string) string {
	return namePrefix + "_" + period + ".html"
}
