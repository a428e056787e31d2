package deck

import (
	"bytes"
	"fmt"
	"image"
	_ "image/png"
	"regexp"
	"strconv"
	"strings"
)

// BuildInput carries everything the builder needs: the original template
// bytes, its analyzed model, the resolved token values keyed by token name,
// and an optional PNG logo for the title slide.
type BuildInput struct {
	Template []byte
	Model    *TemplateModel
	Values   map[string]Value
	Logo     []byte
}

const emuPerPixel = 9525

// Build assembles the final deck. Text and list tokens are replaced in their
// source runs, chart placeholders become chart objects backed by an embedded
// editable workbook, and the logo lands on the title slide only. Every byte
// outside a matched token or placeholder passes through unmodified.
// The output is structurally validated before being returned; an unopenable
// result is never handed back to the caller.
func Build(in BuildInput) ([]byte, error) {
	arch, err := readArchive(in.Template)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPresentation, err)
	}

	touched := make(map[string]bool)
	// Templates may ship with charts of their own; new parts are numbered
	// above the highest existing index so nothing gets overwritten.
	baseChart := maxChartIndex(arch)
	inserted := 0
	var emitted []string

	for _, part := range in.Model.Slides {
		raw, ok := arch.get(part)
		if !ok {
			return nil, fmt.Errorf("template part %s disappeared during assembly", part)
		}
		body := string(raw)
		changed := false

		for _, tok := range in.Model.Tokens {
			if !strings.Contains(body, tok.Raw()) {
				continue
			}
			val, ok := in.Values[tok.Name]
			if !ok {
				return nil, fmt.Errorf("token %s has no resolved value", tok.Raw())
			}
			switch {
			case tok.Kind == ChartToken && val.Chart != nil:
				for strings.Contains(body, tok.Raw()) {
					inserted++
					idx := baseChart + inserted
					body, err = insertChart(arch, part, body, tok, val.Chart, idx)
					if err != nil {
						return nil, err
					}
					emitted = append(emitted,
						fmt.Sprintf("ppt/charts/chart%d.xml", idx),
						fmt.Sprintf("ppt/charts/_rels/chart%d.xml.rels", idx),
						fmt.Sprintf("ppt/embeddings/chart%d.xlsx", idx))
				}
			case tok.Kind == ChartToken:
				if val.Text == "" {
					return nil, fmt.Errorf("chart token %s: no series %q in financials", tok.Raw(), tok.ChartSeries())
				}
				// Degraded chart: the placeholder text shows the marker.
				body = strings.ReplaceAll(body, tok.Raw(), escapeXML(val.Text))
			case tok.Kind == ListToken:
				body, err = replaceListToken(body, tok.Raw(), val.Bullets, val.Text)
				if err != nil {
					return nil, fmt.Errorf("token %s: %w", tok.Raw(), err)
				}
			default:
				body = strings.ReplaceAll(body, tok.Raw(), escapeXML(val.Text))
			}
			changed = true
		}

		if changed {
			arch.set(part, []byte(body))
			touched[part] = true
		}
	}

	if inserted > 0 {
		overrides := make(map[string]string, inserted)
		for i := baseChart + 1; i <= baseChart+inserted; i++ {
			overrides[fmt.Sprintf("/ppt/charts/chart%d.xml", i)] = chartContentType
		}
		if err := arch.ensureContentType("xlsx", xlsxContentType, overrides); err != nil {
			return nil, err
		}
		touched["[Content_Types].xml"] = true
	}

	if len(in.Logo) > 0 && len(in.Model.Slides) > 0 {
		if err := placeLogo(arch, in.Model.Slides[0], in.Logo); err != nil {
			return nil, fmt.Errorf("place logo: %w", err)
		}
		touched[in.Model.Slides[0]] = true
		touched["[Content_Types].xml"] = true
	}

	out, err := arch.write()
	if err != nil {
		return nil, err
	}
	if err := checkStructure(out, touched, emitted); err != nil {
		return nil, err
	}
	return out, nil
}

// insertChart swaps the shape holding the chart token for a graphic frame
// and emits the chart part, its rels, and the embedded workbook.
func insertChart(arch *archive, slidePart, body string, tok Token, spec *ChartSpec, chartIndex int) (string, error) {
	chartPart := fmt.Sprintf("ppt/charts/chart%d.xml", chartIndex)
	arch.set(chartPart, []byte(chartSpaceXML(spec)))
	arch.set(fmt.Sprintf("ppt/charts/_rels/chart%d.xml.rels", chartIndex), []byte(chartRelsXML(chartIndex)))

	workbook, err := embeddedWorkbook(spec)
	if err != nil {
		return "", fmt.Errorf("chart %s: %w", tok.Raw(), err)
	}
	arch.set(fmt.Sprintf("ppt/embeddings/chart%d.xlsx", chartIndex), workbook)

	rid, err := arch.addRelationship(slidePart, chartRelType, fmt.Sprintf("../charts/chart%d.xml", chartIndex))
	if err != nil {
		return "", err
	}

	start, end, box, err := chartShapeSpan(body, tok.Raw())
	if err != nil {
		return "", fmt.Errorf("chart token %s: %w", tok.Raw(), err)
	}
	frame := graphicFrameXML(1000+chartIndex, "Chart "+tok.ChartSeries(), rid, box)
	return body[:start] + frame + body[end:], nil
}

var (
	offRe = regexp.MustCompile(`<a:off x="(-?\d+)" y="(-?\d+)"/>`)
	extRe = regexp.MustCompile(`<a:ext cx="(\d+)" cy="(\d+)"/>`)
)

// chartShapeSpan locates the <p:sp> element containing the token and reads
// its transform so the chart inherits the placeholder's position.
func chartShapeSpan(body, raw string) (start, end int, box shapeBox, err error) {
	idx := strings.Index(body, raw)
	if idx < 0 {
		return 0, 0, box, fmt.Errorf("token not found in slide")
	}
	start = strings.LastIndex(body[:idx], "<p:sp>")
	if alt := strings.LastIndex(body[:idx], "<p:sp "); alt > start {
		start = alt
	}
	if start < 0 {
		return 0, 0, box, fmt.Errorf("token outside a shape element")
	}
	tail := strings.Index(body[idx:], "</p:sp>")
	if tail < 0 {
		return 0, 0, box, fmt.Errorf("unterminated shape element")
	}
	end = idx + tail + len("</p:sp>")

	box = defaultChartBox
	span := body[start:end]
	if m := offRe.FindStringSubmatch(span); m != nil {
		box.x, _ = strconv.ParseInt(m[1], 10, 64)
		box.y, _ = strconv.ParseInt(m[2], 10, 64)
	}
	if m := extRe.FindStringSubmatch(span); m != nil {
		box.cx, _ = strconv.ParseInt(m[1], 10, 64)
		box.cy, _ = strconv.ParseInt(m[2], 10, 64)
	}
	return start, end, box, nil
}

// replaceListToken clones the paragraph holding the token once per bullet,
// preserving the run formatting of the original paragraph. An empty list
// falls back to the scalar fallback text (usually the uncertain marker).
func replaceListToken(body, raw string, bullets []string, fallback string) (string, error) {
	if len(bullets) == 0 {
		return strings.ReplaceAll(body, raw, escapeXML(fallback)), nil
	}
	for strings.Contains(body, raw) {
		idx := strings.Index(body, raw)
		pStart := strings.LastIndex(body[:idx], "<a:p>")
		if alt := strings.LastIndex(body[:idx], "<a:p "); alt > pStart {
			pStart = alt
		}
		if pStart < 0 {
			// Token outside a paragraph: degrade to inline replacement.
			return strings.ReplaceAll(body, raw, escapeXML(strings.Join(bullets, "; "))), nil
		}
		tail := strings.Index(body[idx:], "</a:p>")
		if tail < 0 {
			return "", fmt.Errorf("unterminated paragraph element")
		}
		pEnd := idx + tail + len("</a:p>")
		para := body[pStart:pEnd]

		var rendered strings.Builder
		for _, b := range bullets {
			rendered.WriteString(strings.Replace(para, raw, escapeXML(b), 1))
		}
		body = body[:pStart] + rendered.String() + body[pEnd:]
	}
	return body, nil
}

var sldSzRe = regexp.MustCompile(`<p:sldSz cx="(\d+)" cy="(\d+)"`)

// placeLogo registers the PNG as a media part and anchors it top-right on
// the title slide, scaled to at most 1.5in wide with aspect preserved.
func placeLogo(arch *archive, titleSlide string, logo []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(logo))
	if err != nil {
		return fmt.Errorf("decode logo: %w", err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return fmt.Errorf("logo has no dimensions")
	}

	const mediaPart = "ppt/media/logo1.png"
	arch.set(mediaPart, logo)
	if err := arch.ensureContentType("png", "image/png", nil); err != nil {
		return err
	}
	rid, err := arch.addRelationship(titleSlide, imageRelType, "../media/logo1.png")
	if err != nil {
		return err
	}

	w := int64(cfg.Width) * emuPerPixel
	h := int64(cfg.Height) * emuPerPixel
	const maxW = 1371600 // 1.5in
	if w > maxW {
		h = h * maxW / w
		w = maxW
	}

	slideW := int64(9144000)
	if pres, ok := arch.get("ppt/presentation.xml"); ok {
		if m := sldSzRe.FindSubmatch(pres); m != nil {
			slideW, _ = strconv.ParseInt(string(m[1]), 10, 64)
		}
	}
	x := slideW - w - 457200
	y := int64(457200)

	pic := fmt.Sprintf(`<p:pic><p:nvPicPr><p:cNvPr id="1999" name="Company Logo"/><p:cNvPicPr/><p:nvPr/></p:nvPicPr>`+
		`<p:blipFill><a:blip r:embed=%q/><a:stretch><a:fillRect/></a:stretch></p:blipFill>`+
		`<p:spPr><a:xfrm><a:off x="%d" y="%d"/><a:ext cx="%d" cy="%d"/></a:xfrm>`+
		`<a:prstGeom prst="rect"><a:avLst/></a:prstGeom></p:spPr></p:pic>`,
		rid, x, y, w, h)

	body, ok := arch.get(titleSlide)
	if !ok {
		return fmt.Errorf("missing title slide part %s", titleSlide)
	}
	idx := bytes.LastIndex(body, []byte("</p:spTree>"))
	if idx < 0 {
		return fmt.Errorf("title slide has no shape tree")
	}
	var out bytes.Buffer
	out.Write(body[:idx])
	out.WriteString(pic)
	out.Write(body[idx:])
	arch.set(titleSlide, out.Bytes())
	return nil
}

var chartPartRe = regexp.MustCompile(`^ppt/charts/chart(\d+)\.xml$`)

// maxChartIndex returns the highest chartN index already present in the
// template, or zero when it carries no charts.
func maxChartIndex(arch *archive) int {
	highest := 0
	for _, name := range arch.names {
		m := chartPartRe.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}
	return highest
}

// checkStructure re-opens the assembled output and verifies every part the
// builder touched or emitted survived the write and is well-formed XML.
// Template parts the builder never touched are not inspected; a failing
// output must never be persisted.
func checkStructure(out []byte, touched map[string]bool, emitted []string) error {
	arch, err := readArchive(out)
	if err != nil {
		return fmt.Errorf("assembled output does not reopen: %w", err)
	}
	for _, part := range emitted {
		touched[part] = true
	}
	for part := range touched {
		body, ok := arch.get(part)
		if !ok {
			return fmt.Errorf("assembled output lost part %s", part)
		}
		if !strings.HasSuffix(part, ".xml") && !strings.HasSuffix(part, ".rels") {
			continue
		}
		if err := wellFormed(body); err != nil {
			return fmt.Errorf("part %s is not well-formed after assembly: %w", part, err)
		}
	}
	return nil
}
