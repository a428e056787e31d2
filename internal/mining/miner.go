// Package mining extracts plain text from a ZIP bundle of heterogeneous
// documents. Mining is best-effort: unsupported or corrupt files are skipped
// with a warning and partial success is the expected common case.
package mining

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Chunk is one extracted text fragment with its provenance.
type Chunk struct {
	Source string `json:"source"`
	Page   int    `json:"page,omitempty"` // page or slide index, 1-based; 0 when not applicable
	Text   string `json:"text"`
}

// Document is the mined content of a single bundle entry. Chunks are
// immutable once produced and keep source order.
type Document struct {
	Source string  `json:"source"`
	Chunks []Chunk `json:"chunks"`
}

// extractor turns raw file bytes into ordered chunks.
type extractor func(name string, data []byte) ([]Chunk, error)

// extractors is the per-format capability registry. Unknown extensions are
// a data-level skip, not a dispatch error.
var extractors = map[string]extractor{
	".pptx": extractPPTX,
	".docx": extractDOCX,
	".pdf":  extractPDF,
	".txt":  extractTXT,
}

const maxConcurrentExtracts = 4

// Mine extracts text from every supported file in the bundle, preserving
// archive entry order. It fails only when the bundle itself cannot be
// opened; per-file failures are logged and skipped.
func Mine(ctx context.Context, bundle []byte, log *slog.Logger) ([]Document, error) {
	if log == nil {
		log = slog.Default()
	}
	zr, err := zip.NewReader(bytes.NewReader(bundle), int64(len(bundle)))
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}

	results := make([]*Document, len(zr.File))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentExtracts)

	for i, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		ext := strings.ToLower(path.Ext(f.Name))
		extract, ok := extractors[ext]
		if !ok {
			log.Warn("skipping unsupported bundle file", "file", f.Name)
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rc, err := f.Open()
			if err != nil {
				log.Warn("skipping unreadable bundle file", "file", f.Name, "error", err)
				return nil
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				log.Warn("skipping unreadable bundle file", "file", f.Name, "error", err)
				return nil
			}
			chunks, err := extract(f.Name, data)
			if err != nil {
				log.Warn("skipping corrupt bundle file", "file", f.Name, "error", err)
				return nil
			}
			if len(chunks) == 0 {
				return nil
			}
			results[i] = &Document{Source: f.Name, Chunks: chunks}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var docs []Document
	for _, d := range results {
		if d != nil {
			docs = append(docs, *d)
		}
	}
	return docs, nil
}

func extractTXT(name string, data []byte) ([]Chunk, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}
	return []Chunk{{Source: name, Text: text}}, nil
}
