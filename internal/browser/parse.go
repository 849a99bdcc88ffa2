package browser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jpvasquez/sri-downloader/internal/config"
	"github.com/jpvasquez/sri-downloader/internal/sri"
)

var (
	paginatorRe = regexp.MustCompile(`\((\d+) of (\d+)\)`)
	rucRe       = regexp.MustCompile(`\d{13}`)
)

// parseDocuments extracts document rows from the results table HTML. Cell
// layout follows the portal's PrimeFaces table: counterparty RUC and name
// share a cell split by a line break, as do document type and series.
func parseDocuments(tableHTML string, portal config.PortalConfig) ([]sri.DocumentRecord, error) {
	// The selector yields a bare tbody; without a table ancestor the HTML
	// parser discards tr/td elements, so re-wrap before parsing.
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<table>" + tableHTML + "</table>"))
	if err != nil {
		return nil, fmt.Errorf("parse table html: %w", err)
	}

	var docs []sri.DocumentRecord
	doc.Find("tr").Each(func(i int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 6 {
			return
		}
		ruc, razonSocial := splitCellLines(cells.Eq(1).Text())
		docType, series := splitCellLines(cells.Eq(2).Text())

		xmlLink := row.Find(portal.XMLLinkSelector)
		pdfLink := row.Find(portal.PDFLinkSelector)

		rec := sri.DocumentRecord{
			Index:        i,
			RUC:          ruc,
			RazonSocial:  razonSocial,
			DocType:      docType,
			Series:       series,
			AccessKey:    strings.TrimSpace(cells.Eq(3).Text()),
			IssuedAt:     strings.TrimSpace(cells.Eq(4).Text()),
			AuthorizedAt: strings.TrimSpace(cells.Eq(5).Text()),
			HasXML:       xmlLink.Length() > 0,
			HasPDF:       pdfLink.Length() > 0,
		}
		rec.XMLLinkID, _ = xmlLink.Attr("id")
		rec.PDFLinkID, _ = pdfLink.Attr("id")
		docs = append(docs, rec)
	})
	return docs, nil
}

// splitCellLines separates a two-line table cell into its parts.
func splitCellLines(text string) (first, second string) {
	parts := strings.SplitN(strings.TrimSpace(text), "\n", 2)
	first = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		second = strings.TrimSpace(parts[1])
	}
	return first, second
}

// parsePagination reads the paginator's "(N of M)" label. A missing or
// unrecognized label means a single page.
func parsePagination(text string) sri.PaginationState {
	m := paginatorRe.FindStringSubmatch(text)
	if m == nil {
		return sri.PaginationState{Current: 1, Total: 1}
	}
	current, _ := strconv.Atoi(m[1])
	total, _ := strconv.Atoi(m[2])
	return sri.PaginationState{Current: current, Total: total}
}

// parseTaxpayerRUC pulls the 13-digit session RUC out of the menu text.
func parseTaxpayerRUC(text string) string {
	return rucRe.FindString(text)
}
