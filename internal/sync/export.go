package sync

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/planetatlas/atlas-cli/internal/annotation"
)

// ErrNothingToExport means the annotation set is empty.
var ErrNothingToExport = eris.New("sync: nothing to export")

var exportHeader = []string{"Pattern Type", "Latitude", "Longitude", "Notes"}

// ExportCSV writes the annotation set as CSV with one row per record.
// Coordinates are the record's anchor point at six decimal places, and
// fields containing commas or quotes are quoted by the encoder.
func ExportCSV(w io.Writer, items []annotation.Annotation) error {
	if len(items) == 0 {
		return ErrNothingToExport
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return eris.Wrap(err, "export: write header")
	}
	for _, a := range items {
		pos := a.Position()
		row := []string{
			a.Category,
			fmt.Sprintf("%.6f", pos.Lat),
			fmt.Sprintf("%.6f", pos.Lng),
			exportNotes(a),
		}
		if err := cw.Write(row); err != nil {
			return eris.Wrap(err, "export: write row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush")
}

// ExportXLSX writes the annotation set as a single-sheet workbook with
// the same columns as the CSV export.
func ExportXLSX(w io.Writer, items []annotation.Annotation) error {
	if len(items) == 0 {
		return ErrNothingToExport
	}

	wb := xlsx.NewFile()
	sheet, err := wb.AddSheet("Annotations")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	hdr := sheet.AddRow()
	for _, col := range exportHeader {
		hdr.AddCell().SetString(col)
	}
	for _, a := range items {
		pos := a.Position()
		row := sheet.AddRow()
		row.AddCell().SetString(a.Category)
		row.AddCell().SetString(fmt.Sprintf("%.6f", pos.Lat))
		row.AddCell().SetString(fmt.Sprintf("%.6f", pos.Lng))
		row.AddCell().SetString(exportNotes(a))
	}

	return eris.Wrap(wb.Write(w), "export: write workbook")
}

// ExportFilename builds a date-stamped filename like
// "mars-annotations-2026-08-28.csv".
func ExportFilename(prefix, ext string, now time.Time) string {
	return fmt.Sprintf("%s-%s.%s", prefix, now.Format("2006-01-02"), ext)
}

// exportNotes picks the human text for a record: box annotations carry
// a label, point tags carry notes.
func exportNotes(a annotation.Annotation) string {
	if a.Rect != nil {
		return a.Label
	}
	return a.Notes
}
