package render

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hpjflow/internal/journal"
)

func TestGenerateOrdersRowsByJournalDate(t *testing.T) {
	g := NewGenerator()

	// Reverse insertion order, crossing a year boundary.
	entries := []journal.Entry{
		{Date: "02.01.24", Body: json.RawMessage(`{"pain":"mild","sleep":"8h"}`)},
		{Date: "28.12.23", Body: json.RawMessage(`{"pain":"severe"}`)},
	}

	out, err := g.Generate(entries)
	require.NoError(t, err)

	doc := string(out)
	assert.Less(t, strings.Index(doc, "28.12.23"), strings.Index(doc, "02.01.24"))
	assert.Contains(t, doc, "<th>pain</th>")
	assert.Contains(t, doc, "<th>sleep</th>", "columns are the union of all answer keys")
	assert.Contains(t, doc, "28.12.23 — 02.01.24")
}

func TestGenerateEscapesAnswerText(t *testing.T) {
	g := NewGenerator()

	out, err := g.Generate([]journal.Entry{
		{Date: "01.03.24", Body: json.RawMessage(`{"note":"<script>alert(1)</script>"}`)},
	})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "<script>")
}

func TestGenerateRejectsEmptyAndMalformed(t *testing.T) {
	g := NewGenerator()

	_, err := g.Generate(nil)
	assert.Error(t, err)

	_, err = g.Generate([]journal.Entry{{Date: "01.03.24", Body: json.RawMessage(`[1,2]`)}})
	assert.Error(t, err)
}

func TestFilename(t *testing.T) {
	g := NewGenerator()
	assert.Equal(t, "hpj_01.01.24-07.01.24.html", g.Filename("01.01.24-07.01.24"))
}
