package deck

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Chart parts are emitted by hand so the rest of the template container is
// never rewritten. Each chart carries both a literal cache (what renders)
// and an embedded workbook (what the user edits via "Edit Data").

const (
	chartRelType   = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/chart"
	packageRelType = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/package"
	imageRelType   = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/image"

	chartContentType = "application/vnd.openxmlformats-officedocument.drawingml.chart+xml"
	xlsxContentType  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// chartSpaceXML renders the chart part for a series. Gapped points are
// omitted from the value cache entirely; the category cache stays complete
// so the gap is visible rather than zero-filled.
func chartSpaceXML(spec *ChartSpec) string {
	var b strings.Builder
	n := len(spec.Labels)
	lastRow := n + 1

	b.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`)
	b.WriteString(`<c:chartSpace xmlns:c="http://schemas.openxmlformats.org/drawingml/2006/chart"`)
	b.WriteString(` xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main"`)
	b.WriteString(` xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">`)
	b.WriteString(`<c:chart><c:plotArea><c:layout/>`)
	b.WriteString(`<c:barChart><c:barDir val="col"/><c:grouping val="clustered"/><c:varyColors val="0"/>`)
	b.WriteString(`<c:ser><c:idx val="0"/><c:order val="0"/>`)

	// Series name.
	fmt.Fprintf(&b, `<c:tx><c:strRef><c:f>Sheet1!$B$1</c:f><c:strCache><c:ptCount val="1"/><c:pt idx="0"><c:v>%s</c:v></c:pt></c:strCache></c:strRef></c:tx>`,
		escapeXML(spec.Series))

	// Category cache.
	fmt.Fprintf(&b, `<c:cat><c:strRef><c:f>Sheet1!$A$2:$A$%d</c:f><c:strCache><c:ptCount val="%d"/>`, lastRow, n)
	for i, label := range spec.Labels {
		fmt.Fprintf(&b, `<c:pt idx="%d"><c:v>%s</c:v></c:pt>`, i, escapeXML(label))
	}
	b.WriteString(`</c:strCache></c:strRef></c:cat>`)

	// Value cache with explicit gaps.
	fmt.Fprintf(&b, `<c:val><c:numRef><c:f>Sheet1!$B$2:$B$%d</c:f><c:numCache><c:formatCode>General</c:formatCode><c:ptCount val="%d"/>`, lastRow, n)
	for i, v := range spec.Values {
		if i < len(spec.Valid) && !spec.Valid[i] {
			continue
		}
		fmt.Fprintf(&b, `<c:pt idx="%d"><c:v>%s</c:v></c:pt>`, i, formatChartValue(v))
	}
	b.WriteString(`</c:numCache></c:numRef></c:val>`)

	b.WriteString(`</c:ser>`)
	b.WriteString(`<c:axId val="111111111"/><c:axId val="222222222"/></c:barChart>`)
	b.WriteString(`<c:catAx><c:axId val="111111111"/><c:scaling><c:orientation val="minMax"/></c:scaling><c:delete val="0"/><c:axPos val="b"/><c:crossAx val="222222222"/></c:catAx>`)
	b.WriteString(`<c:valAx><c:axId val="222222222"/><c:scaling><c:orientation val="minMax"/></c:scaling><c:delete val="0"/><c:axPos val="l"/><c:crossAx val="111111111"/></c:valAx>`)
	b.WriteString(`</c:plotArea><c:plotVisOnly val="1"/></c:chart>`)
	b.WriteString(`<c:externalData r:id="rId1"><c:autoUpdate val="0"/></c:externalData>`)
	b.WriteString(`</c:chartSpace>`)
	return b.String()
}

func formatChartValue(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", v), "0"), ".")
}

// chartRelsXML links the chart part to its embedded workbook.
func chartRelsXML(chartIndex int) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`+
		`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">`+
		`<Relationship Id="rId1" Type=%q Target="../embeddings/chart%d.xlsx"/>`+
		`</Relationships>`, packageRelType, chartIndex)
}

// embeddedWorkbook builds the editable data table behind a chart.
// Gapped points get an empty cell, never a zero.
func embeddedWorkbook(spec *ChartSpec) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Sheet1"

	if err := f.SetCellValue(sheet, "B1", spec.Series); err != nil {
		return nil, fmt.Errorf("write series header: %w", err)
	}
	for i, label := range spec.Labels {
		row := i + 2
		if err := f.SetCellValue(sheet, fmt.Sprintf("A%d", row), label); err != nil {
			return nil, fmt.Errorf("write label row %d: %w", row, err)
		}
		if i < len(spec.Valid) && !spec.Valid[i] {
			continue
		}
		if err := f.SetCellValue(sheet, fmt.Sprintf("B%d", row), spec.Values[i]); err != nil {
			return nil, fmt.Errorf("write value row %d: %w", row, err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// shapeBox is the placeholder geometry a chart frame inherits.
type shapeBox struct {
	x, y, cx, cy int64
}

// defaultChartBox positions a chart when the replaced placeholder carries no
// explicit transform (layout-inherited placeholders).
var defaultChartBox = shapeBox{x: 838200, y: 1825625, cx: 7772400, cy: 4114800}

// graphicFrameXML renders the frame that hosts a chart on a slide.
func graphicFrameXML(id int, name, relID string, box shapeBox) string {
	return fmt.Sprintf(`<p:graphicFrame>`+
		`<p:nvGraphicFramePr><p:cNvPr id="%d" name=%q/><p:cNvGraphicFramePr/><p:nvPr/></p:nvGraphicFramePr>`+
		`<p:xfrm><a:off x="%d" y="%d"/><a:ext cx="%d" cy="%d"/></p:xfrm>`+
		`<a:graphic><a:graphicData uri="http://schemas.openxmlformats.org/drawingml/2006/chart">`+
		`<c:chart xmlns:c="http://schemas.openxmlformats.org/drawingml/2006/chart"`+
		` xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships" r:id=%q/>`+
		`</a:graphicData></a:graphic>`+
		`</p:graphicFrame>`,
		id, escapeXML(name), box.x, box.y, box.cx, box.cy, relID)
}
