// Package deck analyzes PowerPoint templates and assembles finished decks.
// It works directly on the OOXML container so that every byte outside a
// matched token or chart placeholder passes through unmodified.
package deck

import (
	"errors"
	"strings"
)

var (
	// ErrNotPresentation is returned when the input cannot be opened as a
	// PowerPoint container.
	ErrNotPresentation = errors.New("not a valid presentation document")
	// ErrNoTokens is returned when a template contains nothing to fill.
	ErrNoTokens = errors.New("template contains no tokens")
)

// TokenKind distinguishes how a token's resolved value is rendered.
type TokenKind int

const (
	// TextToken resolves to a scalar string replacing the token in place.
	TextToken TokenKind = iota
	// ListToken resolves to an ordered bulleted list.
	ListToken
	// ChartToken resolves to an embedded chart backed by an editable workbook.
	ChartToken
)

func (k TokenKind) String() string {
	switch k {
	case ListToken:
		return "list"
	case ChartToken:
		return "chart"
	default:
		return "text"
	}
}

const chartPrefix = "CHART:"

// listVocabulary registers the token names whose content is rendered as a
// bulleted list rather than a scalar string. The kind is decided by name,
// never by document structure.
var listVocabulary = map[string]bool{
	"ABOUT_BULLETS":   true,
	"HIGHLIGHTS":      true,
	"KEY_RISKS":       true,
	"INVESTMENT_CASE": true,
	"PRODUCTS":        true,
	"MANAGEMENT_TEAM": true,
}

// kindFor resolves a token's kind from its name.
func kindFor(name string) TokenKind {
	if strings.HasPrefix(name, chartPrefix) {
		return ChartToken
	}
	if listVocabulary[name] || strings.HasSuffix(name, "_BULLETS") {
		return ListToken
	}
	return TextToken
}

// Token is a named placeholder found in a template. Name keeps the full
// inner text of the double-brace token, e.g. "COMPANY_NAME" or
// "CHART:Revenue".
type Token struct {
	Kind       TokenKind
	Name       string
	Slide      string // slide part name, e.g. ppt/slides/slide1.xml
	SlideIndex int    // 1-based presentation order
}

// Raw renders the token as it appears in the document.
func (t Token) Raw() string { return "{{" + t.Name + "}}" }

// ChartSeries returns the series name a chart token references.
func (t Token) ChartSeries() string { return strings.TrimPrefix(t.Name, chartPrefix) }

// TemplateModel is the result of template analysis: the deduplicated token
// list in first-occurrence order, plus the slide parts they came from.
// Recomputed per job, never persisted beyond the run.
type TemplateModel struct {
	Tokens []Token
	Slides []string
}

// ChartSpec selects the series a chart token resolves to. Labels, Values and
// Valid are parallel; Valid[i]==false marks an explicit gap that must never
// be rendered as zero.
type ChartSpec struct {
	Series string
	Labels []string
	Values []float64
	Valid  []bool
}

// Value is a resolved token. Exactly one of Text, Bullets or Chart is
// meaningful, matching the token's kind; a chart token degraded for lack of
// financials carries the uncertain marker in Text instead of a ChartSpec.
type Value struct {
	Text    string
	Bullets []string
	Chart   *ChartSpec
}
