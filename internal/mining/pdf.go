package mining

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractPDF pulls plain text per page. The pdf package panics on malformed
// content streams, so the whole extraction runs behind a recover that turns
// a hostile or broken file into an ordinary skip.
func extractPDF(name string, data []byte) (chunks []Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			chunks = nil
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	for page := 1; page <= r.NumPage(); page++ {
		text, pageErr := pageText(r, page)
		if pageErr != nil {
			// One broken page does not invalidate the rest.
			continue
		}
		if t := strings.TrimSpace(text); t != "" {
			chunks = append(chunks, Chunk{Source: name, Page: page, Text: t})
		}
	}
	return chunks, nil
}

func pageText(r *pdf.Reader, page int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("page %d: %v", page, rec)
		}
	}()
	p := r.Page(page)
	if p.V.IsNull() {
		return "", fmt.Errorf("page %d: empty", page)
	}
	return p.GetPlainText(nil)
}
