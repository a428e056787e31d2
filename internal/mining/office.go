package mining

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Office documents are zip containers; text lives in XML runs. Extraction
// here is purely lexical, no semantic analysis.

var (
	drawingRunRe = regexp.MustCompile(`(?s)<a:t[^>]*>(.*?)</a:t>`)
	wordRunRe    = regexp.MustCompile(`(?s)<w:t[^>]*>(.*?)</w:t>`)
	slideNameRe  = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
)

var officeUnescaper = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&amp;", "&",
)

// extractPPTX pulls the visible text of every slide, one chunk per slide in
// presentation order.
func extractPPTX(name string, data []byte) ([]Chunk, error) {
	parts, err := readZipParts(data)
	if err != nil {
		return nil, fmt.Errorf("open presentation: %w", err)
	}

	type slide struct {
		n    int
		text string
	}
	var slides []slide
	for partName, body := range parts {
		m := slideNameRe.FindStringSubmatch(partName)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		var texts []string
		for _, run := range drawingRunRe.FindAllSubmatch(body, -1) {
			if t := strings.TrimSpace(officeUnescaper.Replace(string(run[1]))); t != "" {
				texts = append(texts, t)
			}
		}
		if len(texts) > 0 {
			slides = append(slides, slide{n: n, text: strings.Join(texts, " ")})
		}
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	chunks := make([]Chunk, 0, len(slides))
	for _, s := range slides {
		chunks = append(chunks, Chunk{Source: name, Page: s.n, Text: s.text})
	}
	return chunks, nil
}

// extractDOCX pulls the document body text as a single chunk.
func extractDOCX(name string, data []byte) ([]Chunk, error) {
	parts, err := readZipParts(data)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	body, ok := parts["word/document.xml"]
	if !ok {
		return nil, fmt.Errorf("document has no body part")
	}
	var texts []string
	for _, run := range wordRunRe.FindAllSubmatch(body, -1) {
		if t := strings.TrimSpace(officeUnescaper.Replace(string(run[1]))); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 {
		return nil, nil
	}
	return []Chunk{{Source: name, Text: strings.Join(texts, " ")}}, nil
}

func readZipParts(data []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	parts := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			continue
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		parts[f.Name] = body
	}
	return parts, nil
}
