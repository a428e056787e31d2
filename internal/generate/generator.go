package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"deckforge/internal/deck"
	"deckforge/internal/financials"
	"deckforge/internal/mining"
	"deckforge/internal/retry"
)

// Input bundles the evidence a generation run is grounded in.
type Input struct {
	CompanyName string
	Website     string
	Tokens      []deck.Token
	Documents   []mining.Document
	Series      []financials.Series
	Facts       map[string]string
}

// Stats summarizes a generation run for usage accounting.
type Stats struct {
	Resolved      int
	Degraded      int
	ProviderCalls int
}

// Generator resolves tokens one at a time against a Provider, retrying
// transient failures and degrading individual tokens to the uncertain
// marker instead of failing the whole job.
type Generator struct {
	provider    Provider
	log         *slog.Logger
	attempts    int
	backoffBase time.Duration
	backoffMax  time.Duration
}

func NewGenerator(provider Provider, log *slog.Logger, attempts int, backoffBase, backoffMax time.Duration) *Generator {
	if log == nil {
		log = slog.Default()
	}
	if attempts < 1 {
		attempts = 1
	}
	return &Generator{
		provider:    provider,
		log:         log,
		attempts:    attempts,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
	}
}

// Resolve produces a value for every token in the input. Chart tokens are
// resolved from the financial series directly, never from the model. It
// returns ErrAllTokensFailed only when the provider failed for every
// text/list token.
func (g *Generator) Resolve(ctx context.Context, in Input) (map[string]deck.Value, Stats, error) {
	values := make(map[string]deck.Value, len(in.Tokens))
	var stats Stats
	generated, failed := 0, 0

	evidence := g.buildEvidence(in)

	for _, tok := range in.Tokens {
		switch tok.Kind {
		case deck.ChartToken:
			values[tok.Name] = resolveChart(tok, in.Series)
			if values[tok.Name].Chart != nil {
				stats.Resolved++
			} else {
				stats.Degraded++
			}
		default:
			val, calls, err := g.resolveText(ctx, tok, in.CompanyName, evidence)
			stats.ProviderCalls += calls
			generated++
			if err != nil {
				failed++
				stats.Degraded++
				g.log.Warn("token degraded to uncertain marker",
					"token", tok.Name, "provider", g.provider.Name(), "error", err)
				val = deck.Value{Text: Uncertain}
			} else {
				stats.Resolved++
			}
			values[tok.Name] = val
		}
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
	}

	if generated > 0 && failed == generated {
		return nil, stats, ErrAllTokensFailed
	}
	return values, stats, nil
}

// resolveChart selects the backing series by name, case-insensitively.
// With no financials at all the token degrades to the uncertain marker;
// a named series missing from provided financials yields an empty value
// that the builder rejects as an assembly failure.
func resolveChart(tok deck.Token, series []financials.Series) deck.Value {
	if len(series) == 0 {
		return deck.Value{Text: Uncertain}
	}
	s, ok := financials.Find(series, tok.ChartSeries())
	if !ok {
		return deck.Value{}
	}
	spec := &deck.ChartSpec{Series: s.Name}
	for _, p := range s.Points {
		spec.Labels = append(spec.Labels, p.Label)
		spec.Values = append(spec.Values, p.Value)
		spec.Valid = append(spec.Valid, p.Valid)
	}
	return deck.Value{Chart: spec}
}

func (g *Generator) resolveText(ctx context.Context, tok deck.Token, company, evidence string) (deck.Value, int, error) {
	prompt := buildPrompt(tok, company, evidence)
	calls := 0
	var raw string
	err := retry.Do(ctx, g.attempts, g.backoffBase, g.backoffMax, func() error {
		calls++
		var genErr error
		raw, genErr = g.provider.Generate(ctx, prompt)
		return genErr
	})
	if err != nil {
		return deck.Value{}, calls, err
	}
	val, err := parseReply(tok, raw)
	return val, calls, err
}

// parseReply decodes the JSON contract, tolerating a bare string reply.
func parseReply(tok deck.Token, raw string) (deck.Value, error) {
	raw = strings.TrimSpace(raw)
	var reply struct {
		Text    string   `json:"text"`
		Bullets []string `json:"bullets"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		if tok.Kind == deck.ListToken {
			return deck.Value{}, fmt.Errorf("unparseable list reply: %w", err)
		}
		// Plain-text reply for a text token is acceptable.
		reply.Text = raw
	}
	if tok.Kind == deck.ListToken {
		bullets := make([]string, 0, len(reply.Bullets))
		for _, b := range reply.Bullets {
			if b = strings.TrimSpace(b); b != "" {
				bullets = append(bullets, b)
			}
		}
		if len(bullets) == 0 {
			return deck.Value{}, ErrNoContent
		}
		return deck.Value{Bullets: bullets}, nil
	}
	if strings.TrimSpace(reply.Text) == "" {
		return deck.Value{}, ErrNoContent
	}
	return deck.Value{Text: strings.TrimSpace(reply.Text)}, nil
}

const maxEvidenceChars = 6000

// buildEvidence assembles the grounding context shared across token
// prompts: public facts, exact financial figures, and mined excerpts.
func (g *Generator) buildEvidence(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s\n", in.CompanyName)
	if in.Website != "" {
		fmt.Fprintf(&b, "Website: %s\n", in.Website)
	}
	if v := in.Facts["title"]; v != "" {
		fmt.Fprintf(&b, "Public site title: %s\n", v)
	}
	if v := in.Facts["description"]; v != "" {
		fmt.Fprintf(&b, "Public site description: %s\n", v)
	}
	for _, s := range in.Series {
		fmt.Fprintf(&b, "Financial series %s:", s.Name)
		for _, p := range s.Points {
			if p.Valid {
				fmt.Fprintf(&b, " %s=%g", p.Label, p.Value)
			} else {
				fmt.Fprintf(&b, " %s=n/a", p.Label)
			}
		}
		b.WriteString("\n")
	}
	for _, doc := range in.Documents {
		for _, chunk := range doc.Chunks {
			if b.Len() >= maxEvidenceChars {
				return truncateRunes(b.String(), maxEvidenceChars)
			}
			fmt.Fprintf(&b, "From %s: %s\n", chunk.Source, chunk.Text)
		}
	}
	return truncateRunes(b.String(), maxEvidenceChars)
}

// truncateRunes cuts s to at most limit bytes without splitting a rune.
func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func buildPrompt(tok deck.Token, company, evidence string) string {
	var b strings.Builder
	b.WriteString("You write concise, professional investment-memorandum slide content.\n")
	b.WriteString("Rules: ground every statement in the evidence below. Quote financial figures exactly as given, never invent or round them. ")
	fmt.Fprintf(&b, "If the evidence is insufficient for a claim, output the literal marker %q instead of guessing.\n\n", Uncertain)
	if tok.Kind == deck.ListToken {
		fmt.Fprintf(&b, "Produce the bulleted list for the placeholder %s on a slide about %s.\n", tok.Name, company)
		b.WriteString(`Respond with JSON only: {"bullets": ["...", "..."]} (3-5 short bullets).`)
	} else {
		fmt.Fprintf(&b, "Produce the text for the placeholder %s on a slide about %s.\n", tok.Name, company)
		b.WriteString(`Respond with JSON only: {"text": "..."} (one or two sentences).`)
	}
	b.WriteString("\n\nEvidence:\n")
	b.WriteString(evidence)
	return b.String()
}
