package mining

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"
)

func zipBytes(t *testing.T, entries map[string][]byte, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := w.Write(entries[name]); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func docxBytes(t *testing.T, body string) []byte {
	return zipBytes(t, map[string][]byte{
		"word/document.xml": []byte(`<?xml version="1.0"?><w:document><w:body><w:p><w:r><w:t>` +
			body + `</w:t></w:r></w:p></w:body></w:document>`),
	}, []string{"word/document.xml"})
}

func pptxBytes(t *testing.T, slides ...string) []byte {
	entries := map[string][]byte{}
	var order []string
	for i, text := range slides {
		name := "ppt/slides/slide" + string(rune('1'+i)) + ".xml"
		entries[name] = []byte(`<?xml version="1.0"?><p:sld><p:cSld><a:p><a:r><a:t>` +
			text + `</a:t></a:r></a:p></p:cSld></p:sld>`)
		order = append(order, name)
	}
	return zipBytes(t, entries, order)
}

func TestMineExtractsSupportedFormats(t *testing.T) {
	bundle := zipBytes(t, map[string][]byte{
		"notes.txt":     []byte("  Founded in 2015.  "),
		"overview.docx": docxBytes(t, "The company sells widgets &amp; gadgets."),
		"deck.pptx":     pptxBytes(t, "Vision slide", "Numbers slide"),
	}, []string{"notes.txt", "overview.docx", "deck.pptx"})

	docs, err := Mine(context.Background(), bundle, nil)
	if err != nil {
		t.Fatalf("mine: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}

	// Archive entry order is preserved regardless of extraction concurrency.
	if docs[0].Source != "notes.txt" || docs[1].Source != "overview.docx" || docs[2].Source != "deck.pptx" {
		t.Fatalf("document order broken: %s, %s, %s", docs[0].Source, docs[1].Source, docs[2].Source)
	}

	if docs[0].Chunks[0].Text != "Founded in 2015." {
		t.Fatalf("txt chunk = %q", docs[0].Chunks[0].Text)
	}
	if docs[1].Chunks[0].Text != "The company sells widgets & gadgets." {
		t.Fatalf("docx chunk = %q", docs[1].Chunks[0].Text)
	}
	if len(docs[2].Chunks) != 2 || docs[2].Chunks[0].Page != 1 || docs[2].Chunks[1].Page != 2 {
		t.Fatalf("pptx chunks = %+v", docs[2].Chunks)
	}
	if docs[2].Chunks[1].Text != "Numbers slide" {
		t.Fatalf("pptx slide 2 text = %q", docs[2].Chunks[1].Text)
	}
}

func TestMineSkipsUnsupportedAndCorrupt(t *testing.T) {
	bundle := zipBytes(t, map[string][]byte{
		"logo.jpg":    {0xff, 0xd8, 0xff},
		"broken.docx": []byte("not a zip container"),
		"empty.txt":   []byte("   "),
		"good.txt":    []byte("Still standing."),
	}, []string{"logo.jpg", "broken.docx", "empty.txt", "good.txt"})

	docs, err := Mine(context.Background(), bundle, nil)
	if err != nil {
		t.Fatalf("mine should tolerate bad files: %v", err)
	}
	if len(docs) != 1 || docs[0].Source != "good.txt" {
		t.Fatalf("expected only good.txt, got %+v", docs)
	}
}

func TestMineSurvivesMalformedPDF(t *testing.T) {
	// A header the registry accepts but a body the pdf library chokes on.
	// The extractor must convert the library's internal panics into a skip.
	hostile := []byte("%PDF-1.5\n1 0 obj\n<< /Type /Catalog /Pages garbage >>\nendobj\n" +
		"trailer\n<< /Root 1 0 R /Size 2 >>\nstartxref\n999999\n%%EOF")
	bundle := zipBytes(t, map[string][]byte{
		"hostile.pdf": hostile,
		"good.txt":    []byte("Still standing."),
	}, []string{"hostile.pdf", "good.txt"})

	docs, err := Mine(context.Background(), bundle, nil)
	if err != nil {
		t.Fatalf("malformed pdf must not fail the bundle: %v", err)
	}
	if len(docs) != 1 || docs[0].Source != "good.txt" {
		t.Fatalf("expected only good.txt, got %+v", docs)
	}

	if chunks, err := extractPDF("hostile.pdf", hostile); err == nil && len(chunks) > 0 {
		t.Fatalf("expected extraction failure, got %+v", chunks)
	}
}

func TestMineRejectsBadBundle(t *testing.T) {
	if _, err := Mine(context.Background(), []byte("not a bundle"), nil); err == nil {
		t.Fatal("expected error for unopenable bundle")
	}
}

func TestMineEmptyBundle(t *testing.T) {
	docs, err := Mine(context.Background(), zipBytes(t, nil, nil), nil)
	if err != nil {
		t.Fatalf("mine: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected no documents, got %d", len(docs))
	}
}
