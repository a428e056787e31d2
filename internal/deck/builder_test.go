package deck

import (
	"archive/zip"
	"bytes"
	"fmt"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func analyzeTestDeck(t *testing.T, template []byte) *TemplateModel {
	t.Helper()
	model, err := Analyze(template)
	if err != nil {
		t.Fatalf("analyze fixture: %v", err)
	}
	return model
}

func readOutputPart(t *testing.T, out []byte, name string) string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	if err != nil {
		t.Fatalf("reopen output: %v", err)
	}
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open part %s: %v", name, err)
		}
		defer rc.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(rc); err != nil {
			t.Fatalf("read part %s: %v", name, err)
		}
		return buf.String()
	}
	t.Fatalf("output is missing part %s", name)
	return ""
}

func outputHasPart(out []byte, name string) bool {
	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	if err != nil {
		return false
	}
	for _, f := range zr.File {
		if f.Name == name {
			return true
		}
	}
	return false
}

func TestBuildReplacesTextTokens(t *testing.T) {
	template := buildTestDeck(t, slideXML(textShape(2, "Welcome to {{COMPANY_NAME}}")))
	model := analyzeTestDeck(t, template)

	out, err := Build(BuildInput{
		Template: template,
		Model:    model,
		Values:   map[string]Value{"COMPANY_NAME": {Text: "Acme & Sons"}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	slide := readOutputPart(t, out, "ppt/slides/slide1.xml")
	if !strings.Contains(slide, "Welcome to Acme &amp; Sons") {
		t.Fatalf("text not replaced or not escaped: %s", slide)
	}
	if strings.Contains(slide, "{{") {
		t.Fatal("unreplaced token left in output")
	}
}

func TestBuildLeavesUntouchedSlidesVerbatim(t *testing.T) {
	plain := slideXML(textShape(2, "Static closing slide"))
	template := buildTestDeck(t,
		slideXML(textShape(2, "{{COMPANY_NAME}}")),
		plain,
	)
	model := analyzeTestDeck(t, template)

	out, err := Build(BuildInput{
		Template: template,
		Model:    model,
		Values:   map[string]Value{"COMPANY_NAME": {Text: "Acme"}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := readOutputPart(t, out, "ppt/slides/slide2.xml"); got != plain {
		t.Fatal("untouched slide was rewritten")
	}
}

func TestBuildExpandsListTokens(t *testing.T) {
	template := buildTestDeck(t, slideXML(textShape(2, "{{HIGHLIGHTS}}")))
	model := analyzeTestDeck(t, template)

	bullets := []string{"Revenue up 40%", "Churn below 2%", "Expanded to 3 markets"}
	out, err := Build(BuildInput{
		Template: template,
		Model:    model,
		Values:   map[string]Value{"HIGHLIGHTS": {Bullets: bullets}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	slide := readOutputPart(t, out, "ppt/slides/slide1.xml")
	for _, b := range bullets {
		if !strings.Contains(slide, escapeXML(b)) {
			t.Fatalf("bullet %q missing from slide", b)
		}
	}
	if got := strings.Count(slide, "<a:p>"); got != len(bullets) {
		t.Fatalf("expected %d paragraphs, got %d", len(bullets), got)
	}
	if strings.Contains(slide, "{{") {
		t.Fatal("unreplaced token left in output")
	}
}

func TestBuildEmptyBulletsFallBackToText(t *testing.T) {
	template := buildTestDeck(t, slideXML(textShape(2, "{{HIGHLIGHTS}}")))
	model := analyzeTestDeck(t, template)

	out, err := Build(BuildInput{
		Template: template,
		Model:    model,
		Values:   map[string]Value{"HIGHLIGHTS": {Text: "[unverified]"}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	slide := readOutputPart(t, out, "ppt/slides/slide1.xml")
	if !strings.Contains(slide, "[unverified]") {
		t.Fatal("fallback marker missing")
	}
}

func TestBuildInsertsEditableChart(t *testing.T) {
	template := buildTestDeck(t, slideXML(textShape(2, "{{CHART:Revenue}}")))
	model := analyzeTestDeck(t, template)

	spec := &ChartSpec{
		Series: "Revenue",
		Labels: []string{"2021", "2022", "2023", "2024"},
		Values: []float64{12.5, 18, 0, 31.25},
		Valid:  []bool{true, true, false, true},
	}
	out, err := Build(BuildInput{
		Template: template,
		Model:    model,
		Values:   map[string]Value{"CHART:Revenue": {Chart: spec}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	slide := readOutputPart(t, out, "ppt/slides/slide1.xml")
	if !strings.Contains(slide, "<p:graphicFrame>") {
		t.Fatal("chart frame missing from slide")
	}
	if strings.Contains(slide, "{{CHART:Revenue}}") {
		t.Fatal("chart token left in slide")
	}
	// The frame inherits the placeholder's transform.
	if !strings.Contains(slide, `<a:off x="838200" y="1825625"/>`) {
		t.Fatal("chart frame lost the placeholder position")
	}

	chart := readOutputPart(t, out, "ppt/charts/chart1.xml")
	if !strings.Contains(chart, "<c:v>Revenue</c:v>") {
		t.Fatal("series name missing from chart part")
	}
	// The gap at index 2 is omitted from the value cache, never zero-filled.
	if strings.Contains(chart, `<c:pt idx="2"><c:v>0</c:v></c:pt>`) {
		t.Fatal("gap was zero-filled")
	}
	if !strings.Contains(chart, `<c:val`) || strings.Count(chart, `<c:pt idx="2">`) != 1 {
		t.Fatal("category cache should still carry the gapped label")
	}

	wb := readOutputPart(t, out, "ppt/embeddings/chart1.xlsx")
	f, err := excelize.OpenReader(strings.NewReader(wb))
	if err != nil {
		t.Fatalf("embedded workbook does not open: %v", err)
	}
	defer f.Close()
	if v, _ := f.GetCellValue("Sheet1", "B1"); v != "Revenue" {
		t.Fatalf("workbook header = %q", v)
	}
	if v, _ := f.GetCellValue("Sheet1", "A3"); v != "2022" {
		t.Fatalf("workbook label = %q", v)
	}
	if v, _ := f.GetCellValue("Sheet1", "B4"); v != "" {
		t.Fatalf("gap cell should be empty, got %q", v)
	}

	ct := readOutputPart(t, out, "[Content_Types].xml")
	if !strings.Contains(ct, `/ppt/charts/chart1.xml`) {
		t.Fatal("chart content type override missing")
	}
	if !outputHasPart(out, "ppt/slides/_rels/slide1.xml.rels") {
		t.Fatal("slide relationships part missing")
	}
}

const existingChartXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
	`<c:chartSpace xmlns:c="http://schemas.openxmlformats.org/drawingml/2006/chart"><c:chart/></c:chartSpace>`

func buildTestDeckWithChart(t *testing.T, slides ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	write := func(name, body string) {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("[Content_Types].xml", testContentTypes)
	write("ppt/presentation.xml", testPresentation)
	write("ppt/charts/chart1.xml", existingChartXML)
	for i, body := range slides {
		write(fmt.Sprintf("ppt/slides/slide%d.xml", i+1), body)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close container: %v", err)
	}
	return buf.Bytes()
}

func TestBuildKeepsTemplateCharts(t *testing.T) {
	template := buildTestDeckWithChart(t, slideXML(textShape(2, "{{COMPANY_NAME}}")))
	model := analyzeTestDeck(t, template)

	out, err := Build(BuildInput{
		Template: template,
		Model:    model,
		Values:   map[string]Value{"COMPANY_NAME": {Text: "Acme"}},
	})
	if err != nil {
		t.Fatalf("build rejected a template with its own chart: %v", err)
	}
	if got := readOutputPart(t, out, "ppt/charts/chart1.xml"); got != existingChartXML {
		t.Fatal("pre-existing chart part was rewritten")
	}
}

func TestBuildNumbersChartsAfterExisting(t *testing.T) {
	template := buildTestDeckWithChart(t, slideXML(textShape(2, "{{CHART:Revenue}}")))
	model := analyzeTestDeck(t, template)

	spec := &ChartSpec{
		Series: "Revenue",
		Labels: []string{"2023", "2024"},
		Values: []float64{18, 31.25},
		Valid:  []bool{true, true},
	}
	out, err := Build(BuildInput{
		Template: template,
		Model:    model,
		Values:   map[string]Value{"CHART:Revenue": {Chart: spec}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if got := readOutputPart(t, out, "ppt/charts/chart1.xml"); got != existingChartXML {
		t.Fatal("pre-existing chart part was overwritten by the inserted chart")
	}
	chart := readOutputPart(t, out, "ppt/charts/chart2.xml")
	if !strings.Contains(chart, "<c:v>Revenue</c:v>") {
		t.Fatal("inserted chart not numbered above the template's charts")
	}
	if !outputHasPart(out, "ppt/embeddings/chart2.xlsx") {
		t.Fatal("embedded workbook should follow the chart's index")
	}
	ct := readOutputPart(t, out, "[Content_Types].xml")
	if !strings.Contains(ct, `/ppt/charts/chart2.xml`) {
		t.Fatal("content type override missing for the inserted chart")
	}
}

func TestBuildChartMissingSeriesFails(t *testing.T) {
	template := buildTestDeck(t, slideXML(textShape(2, "{{CHART:EBITDA}}")))
	model := analyzeTestDeck(t, template)

	_, err := Build(BuildInput{
		Template: template,
		Model:    model,
		Values:   map[string]Value{"CHART:EBITDA": {}},
	})
	if err == nil || !strings.Contains(err.Error(), "EBITDA") {
		t.Fatalf("expected missing-series error, got %v", err)
	}
}

func TestBuildDegradedChartShowsMarker(t *testing.T) {
	template := buildTestDeck(t, slideXML(textShape(2, "{{CHART:Revenue}}")))
	model := analyzeTestDeck(t, template)

	out, err := Build(BuildInput{
		Template: template,
		Model:    model,
		Values:   map[string]Value{"CHART:Revenue": {Text: "[unverified]"}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	slide := readOutputPart(t, out, "ppt/slides/slide1.xml")
	if !strings.Contains(slide, "[unverified]") {
		t.Fatal("degraded chart marker missing")
	}
	if outputHasPart(out, "ppt/charts/chart1.xml") {
		t.Fatal("degraded chart must not emit a chart part")
	}
}

func TestBuildPlacesLogoOnTitleSlide(t *testing.T) {
	template := buildTestDeck(t,
		slideXML(textShape(2, "{{COMPANY_NAME}}")),
		slideXML(textShape(2, "Static")),
	)
	model := analyzeTestDeck(t, template)

	var logoBuf bytes.Buffer
	if err := png.Encode(&logoBuf, image.NewRGBA(image.Rect(0, 0, 320, 160))); err != nil {
		t.Fatalf("encode logo: %v", err)
	}

	out, err := Build(BuildInput{
		Template: template,
		Model:    model,
		Values:   map[string]Value{"COMPANY_NAME": {Text: "Acme"}},
		Logo:     logoBuf.Bytes(),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	slide1 := readOutputPart(t, out, "ppt/slides/slide1.xml")
	if !strings.Contains(slide1, "<p:pic>") || !strings.Contains(slide1, "Company Logo") {
		t.Fatal("logo picture missing from title slide")
	}
	slide2 := readOutputPart(t, out, "ppt/slides/slide2.xml")
	if strings.Contains(slide2, "<p:pic>") {
		t.Fatal("logo must only land on the title slide")
	}
	if !outputHasPart(out, "ppt/media/logo1.png") {
		t.Fatal("logo media part missing")
	}
	// 320px at 9525 EMU each exceeds the 1.5in cap, so the width is clamped.
	if !strings.Contains(slide1, `cx="1371600"`) {
		t.Fatal("logo width not clamped to 1.5in")
	}
}
