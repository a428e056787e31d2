package deck

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// archive is an order-preserving view of a zip container. Untouched parts
// are written back byte-identical.
type archive struct {
	names []string
	parts map[string][]byte
}

func readArchive(data []byte) (*archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	a := &archive{parts: make(map[string][]byte, len(zr.File))}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open part %s: %w", f.Name, err)
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read part %s: %w", f.Name, err)
		}
		a.names = append(a.names, f.Name)
		a.parts[f.Name] = body
	}
	return a, nil
}

func (a *archive) get(name string) ([]byte, bool) {
	b, ok := a.parts[name]
	return b, ok
}

// set replaces a part or appends a new one at the end of the archive.
func (a *archive) set(name string, body []byte) {
	if _, ok := a.parts[name]; !ok {
		a.names = append(a.names, name)
	}
	a.parts[name] = body
}

func (a *archive) write() ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range a.names {
		w, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("create part %s: %w", name, err)
		}
		if _, err := w.Write(a.parts[name]); err != nil {
			return nil, fmt.Errorf("write part %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close container: %w", err)
	}
	return buf.Bytes(), nil
}

var slidePartRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// slideParts returns the slide XML part names in presentation order.
func (a *archive) slideParts() []string {
	type numbered struct {
		name string
		n    int
	}
	var slides []numbered
	for _, name := range a.names {
		m := slidePartRe.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		slides = append(slides, numbered{name: name, n: n})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })
	out := make([]string, len(slides))
	for i, s := range slides {
		out[i] = s.name
	}
	return out
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

var xmlUnescaper = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&amp;", "&",
)

func escapeXML(s string) string   { return xmlEscaper.Replace(s) }
func unescapeXML(s string) string { return xmlUnescaper.Replace(s) }

// wellFormed verifies a part parses as XML end to end.
func wellFormed(data []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		_, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

var relIDRe = regexp.MustCompile(`Id="rId(\d+)"`)

const emptyRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
	`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"></Relationships>`

// relsPartFor maps a part name to its relationships part.
func relsPartFor(part string) string {
	slash := strings.LastIndex(part, "/")
	return part[:slash+1] + "_rels/" + part[slash+1:] + ".rels"
}

// addRelationship appends a relationship to a part's rels file, creating the
// file when absent, and returns the allocated relationship id.
func (a *archive) addRelationship(part, relType, target string) (string, error) {
	relsName := relsPartFor(part)
	body, ok := a.get(relsName)
	if !ok {
		body = []byte(emptyRels)
	}
	maxID := 0
	for _, m := range relIDRe.FindAllSubmatch(body, -1) {
		if n, err := strconv.Atoi(string(m[1])); err == nil && n > maxID {
			maxID = n
		}
	}
	rid := fmt.Sprintf("rId%d", maxID+1)
	rel := fmt.Sprintf(`<Relationship Id=%q Type=%q Target=%q/>`, rid, relType, target)
	idx := bytes.LastIndex(body, []byte("</Relationships>"))
	if idx < 0 {
		return "", fmt.Errorf("malformed relationships part %s", relsName)
	}
	var out bytes.Buffer
	out.Write(body[:idx])
	out.WriteString(rel)
	out.Write(body[idx:])
	a.set(relsName, out.Bytes())
	return rid, nil
}

// ensureContentType registers defaults and overrides in [Content_Types].xml.
func (a *archive) ensureContentType(defaultExt, defaultType string, overrides map[string]string) error {
	const ctPart = "[Content_Types].xml"
	body, ok := a.get(ctPart)
	if !ok {
		return fmt.Errorf("missing %s", ctPart)
	}
	var add bytes.Buffer
	if defaultExt != "" && !bytes.Contains(body, []byte(fmt.Sprintf(`Extension="%s"`, defaultExt))) {
		fmt.Fprintf(&add, `<Default Extension=%q ContentType=%q/>`, defaultExt, defaultType)
	}
	partNames := make([]string, 0, len(overrides))
	for partName := range overrides {
		partNames = append(partNames, partName)
	}
	sort.Strings(partNames)
	for _, partName := range partNames {
		if bytes.Contains(body, []byte(fmt.Sprintf(`PartName="%s"`, partName))) {
			continue
		}
		fmt.Fprintf(&add, `<Override PartName=%q ContentType=%q/>`, partName, overrides[partName])
	}
	if add.Len() == 0 {
		return nil
	}
	idx := bytes.LastIndex(body, []byte("</Types>"))
	if idx < 0 {
		return fmt.Errorf("malformed %s", ctPart)
	}
	var out bytes.Buffer
	out.Write(body[:idx])
	out.Write(add.Bytes())
	out.Write(body[idx:])
	a.set(ctPart, out.Bytes())
	return nil
}
