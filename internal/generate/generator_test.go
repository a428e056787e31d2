package generate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"deckforge/internal/deck"
	"deckforge/internal/financials"
	"deckforge/internal/mining"
)

func testTokens() []deck.Token {
	return []deck.Token{
		{Kind: deck.TextToken, Name: "COMPANY_NAME", SlideIndex: 1},
		{Kind: deck.ListToken, Name: "HIGHLIGHTS", SlideIndex: 2},
		{Kind: deck.ChartToken, Name: "CHART:Revenue", SlideIndex: 3},
	}
}

func testSeries() []financials.Series {
	return []financials.Series{{
		Name: "Revenue",
		Points: []financials.Point{
			{Label: "2022", Value: 10, Valid: true},
			{Label: "2023", Valid: false},
			{Label: "2024", Value: 25, Valid: true},
		},
	}}
}

func newTestGenerator(p Provider) *Generator {
	return NewGenerator(p, nil, 2, time.Millisecond, 2*time.Millisecond)
}

func TestResolveFillsAllTokenKinds(t *testing.T) {
	mock := NewMockProvider(map[string]string{
		"COMPANY_NAME": `{"text": "Acme builds industrial widgets."}`,
		"HIGHLIGHTS":   `{"bullets": ["Revenue of 25 in 2024", "Low churn"]}`,
	})
	g := newTestGenerator(mock)

	values, stats, err := g.Resolve(context.Background(), Input{
		CompanyName: "Acme",
		Tokens:      testTokens(),
		Series:      testSeries(),
	})
	require.NoError(t, err)
	require.Len(t, values, 3)

	require.Equal(t, "Acme builds industrial widgets.", values["COMPANY_NAME"].Text)
	require.Equal(t, []string{"Revenue of 25 in 2024", "Low churn"}, values["HIGHLIGHTS"].Bullets)

	chart := values["CHART:Revenue"].Chart
	require.NotNil(t, chart, "chart tokens are resolved from financials")
	require.Equal(t, "Revenue", chart.Series)
	require.Equal(t, []string{"2022", "2023", "2024"}, chart.Labels)
	require.Equal(t, []bool{true, false, true}, chart.Valid)

	require.Equal(t, 3, stats.Resolved)
	require.Zero(t, stats.Degraded)
	require.Equal(t, 2, stats.ProviderCalls, "chart tokens never call the provider")
}

func TestResolveChartWithoutFinancialsDegrades(t *testing.T) {
	g := newTestGenerator(NewMockProvider(nil))
	values, stats, err := g.Resolve(context.Background(), Input{
		CompanyName: "Acme",
		Tokens:      []deck.Token{{Kind: deck.ChartToken, Name: "CHART:Revenue"}},
	})
	require.NoError(t, err)
	require.Nil(t, values["CHART:Revenue"].Chart)
	require.Equal(t, Uncertain, values["CHART:Revenue"].Text)
	require.Equal(t, 1, stats.Degraded)
}

func TestResolveChartUnmatchedSeriesIsEmpty(t *testing.T) {
	g := newTestGenerator(NewMockProvider(nil))
	values, _, err := g.Resolve(context.Background(), Input{
		CompanyName: "Acme",
		Tokens:      []deck.Token{{Kind: deck.ChartToken, Name: "CHART:Headcount"}},
		Series:      testSeries(),
	})
	require.NoError(t, err)
	v := values["CHART:Headcount"]
	require.Nil(t, v.Chart)
	require.Empty(t, v.Text, "an unmatched series with financials present must not degrade silently")
}

func TestResolveChartMatchesCaseInsensitively(t *testing.T) {
	g := newTestGenerator(NewMockProvider(nil))
	values, _, err := g.Resolve(context.Background(), Input{
		CompanyName: "Acme",
		Tokens:      []deck.Token{{Kind: deck.ChartToken, Name: "CHART:revenue"}},
		Series:      testSeries(),
	})
	require.NoError(t, err)
	require.NotNil(t, values["CHART:revenue"].Chart)
}

func TestResolveDegradesFailedTokens(t *testing.T) {
	mock := NewMockProvider(map[string]string{
		"COMPANY_NAME": `{"text": "Acme."}`,
		"HIGHLIGHTS":   `{"bullets": []}`,
	})
	g := newTestGenerator(mock)

	values, stats, err := g.Resolve(context.Background(), Input{
		CompanyName: "Acme",
		Tokens: []deck.Token{
			{Kind: deck.TextToken, Name: "COMPANY_NAME"},
			{Kind: deck.ListToken, Name: "HIGHLIGHTS"},
		},
	})
	require.NoError(t, err, "one surviving token keeps the job alive")
	require.Equal(t, "Acme.", values["COMPANY_NAME"].Text)
	require.Equal(t, Uncertain, values["HIGHLIGHTS"].Text)
	require.Empty(t, values["HIGHLIGHTS"].Bullets)
	require.Equal(t, 1, stats.Degraded)
}

func TestResolveAllTokensFailed(t *testing.T) {
	mock := NewMockProvider(nil)
	mock.Fail(errors.New("quota exhausted"))
	g := newTestGenerator(mock)

	_, _, err := g.Resolve(context.Background(), Input{
		CompanyName: "Acme",
		Tokens: []deck.Token{
			{Kind: deck.TextToken, Name: "COMPANY_NAME"},
			{Kind: deck.TextToken, Name: "TAGLINE"},
		},
	})
	require.ErrorIs(t, err, ErrAllTokensFailed)
}

func TestResolveRetriesTransientFailures(t *testing.T) {
	mock := NewMockProvider(nil)
	mock.Fail(errors.New("transient"))
	g := newTestGenerator(mock)

	_, stats, err := g.Resolve(context.Background(), Input{
		CompanyName: "Acme",
		Tokens:      []deck.Token{{Kind: deck.TextToken, Name: "COMPANY_NAME"}},
	})
	require.ErrorIs(t, err, ErrAllTokensFailed)
	require.Equal(t, 2, stats.ProviderCalls, "configured attempts are exhausted per token")
}

func TestResolvePromptCarriesEvidence(t *testing.T) {
	mock := NewMockProvider(nil)
	g := newTestGenerator(mock)

	_, _, err := g.Resolve(context.Background(), Input{
		CompanyName: "Acme",
		Website:     "acme.example",
		Tokens:      []deck.Token{{Kind: deck.TextToken, Name: "ABOUT"}},
		Series:      testSeries(),
		Facts:       map[string]string{"title": "Acme Widgets"},
		Documents: []mining.Document{{
			Source: "notes.txt",
			Chunks: []mining.Chunk{{Source: "notes.txt", Text: "Founded in 2015."}},
		}},
	})
	require.NoError(t, err)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	prompt := calls[0]
	require.Contains(t, prompt, "Acme Widgets")
	require.Contains(t, prompt, "Founded in 2015.")
	require.Contains(t, prompt, "2024=25", "financial figures are quoted verbatim")
	require.Contains(t, prompt, "2023=n/a", "gaps stay explicit in the evidence")
	require.Contains(t, prompt, Uncertain)
}

func TestParseReplyBareTextAccepted(t *testing.T) {
	val, err := parseReply(deck.Token{Kind: deck.TextToken, Name: "X"}, "  plain sentence  ")
	require.NoError(t, err)
	require.Equal(t, "plain sentence", val.Text)
}

func TestParseReplyListRequiresJSON(t *testing.T) {
	_, err := parseReply(deck.Token{Kind: deck.ListToken, Name: "X"}, "not json")
	require.Error(t, err)

	val, err := parseReply(deck.Token{Kind: deck.ListToken, Name: "X"},
		`{"bullets": [" a ", "", "b"]}`)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, val.Bullets)
}

func TestParseReplyEmpty(t *testing.T) {
	_, err := parseReply(deck.Token{Kind: deck.TextToken, Name: "X"}, `{"text": "  "}`)
	require.ErrorIs(t, err, ErrNoContent)
	_, err = parseReply(deck.Token{Kind: deck.ListToken, Name: "X"}, `{"bullets": []}`)
	require.ErrorIs(t, err, ErrNoContent)
}

func TestBuildEvidenceTruncatesOnRuneBoundary(t *testing.T) {
	g := NewGenerator(NewMockProvider(nil), nil, 1, time.Millisecond, time.Millisecond)
	evidence := g.buildEvidence(Input{
		CompanyName: "Zürich Präzision AG",
		Documents: []mining.Document{{
			Source: "notes.txt",
			Chunks: []mining.Chunk{{
				Source: "notes.txt",
				Text:   strings.Repeat("Präzisionsfräsen für die Medizintechnik. ", 400),
			}},
		}},
	})
	require.LessOrEqual(t, len(evidence), maxEvidenceChars)
	require.True(t, utf8.ValidString(evidence), "truncation split a rune")
}

func TestTruncateRunes(t *testing.T) {
	s := "ab" + "é" // é is two bytes, starting at offset 2
	require.Equal(t, "ab", truncateRunes(s, 3))
	require.Equal(t, s, truncateRunes(s, 4))
	require.Equal(t, s, truncateRunes(s, 10))
}

func TestMockProviderKeyedResponses(t *testing.T) {
	mock := NewMockProvider(map[string]string{"needle": `{"text": "found"}`})
	out, err := mock.Generate(context.Background(), "prompt with needle inside")
	require.NoError(t, err)
	require.True(t, strings.Contains(out, "found"))
}
