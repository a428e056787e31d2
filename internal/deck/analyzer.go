package deck

import (
	"fmt"
	"regexp"
)

var (
	tokenRe   = regexp.MustCompile(`\{\{([A-Za-z][A-Za-z0-9_:\- ]*?)\}\}`)
	textRunRe = regexp.MustCompile(`(?s)<a:t[^>]*>(.*?)</a:t>`)
)

// Analyze scans a .pptx template and extracts its replaceable tokens.
// Tokens are deduplicated by name with first-occurrence order preserved, so
// re-analysis of byte-identical input always yields the same model.
// Returns ErrNotPresentation for an unopenable container and ErrNoTokens for
// a template with nothing to fill.
func Analyze(template []byte) (*TemplateModel, error) {
	a, err := readArchive(template)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPresentation, err)
	}
	if _, ok := a.get("[Content_Types].xml"); !ok {
		return nil, fmt.Errorf("%w: missing content types part", ErrNotPresentation)
	}
	if _, ok := a.get("ppt/presentation.xml"); !ok {
		return nil, fmt.Errorf("%w: missing presentation part", ErrNotPresentation)
	}
	slides := a.slideParts()
	if len(slides) == 0 {
		return nil, fmt.Errorf("%w: no slides", ErrNotPresentation)
	}

	model := &TemplateModel{Slides: slides}
	seen := make(map[string]bool)
	for i, part := range slides {
		body, _ := a.get(part)
		for _, run := range textRunRe.FindAllSubmatch(body, -1) {
			text := unescapeXML(string(run[1]))
			for _, m := range tokenRe.FindAllStringSubmatch(text, -1) {
				name := m[1]
				if seen[name] {
					continue
				}
				seen[name] = true
				model.Tokens = append(model.Tokens, Token{
					Kind:       kindFor(name),
					Name:       name,
					Slide:      part,
					SlideIndex: i + 1,
				})
			}
		}
	}
	if len(model.Tokens) == 0 {
		return nil, ErrNoTokens
	}
	return model, nil
}
