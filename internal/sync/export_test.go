package sync

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planetatlas/atlas-cli/internal/annotation"
	"github.com/planetatlas/atlas-cli/internal/coords"
)

func TestExportCSV(t *testing.T) {
	items := []annotation.Annotation{
		{
			Category: "crater",
			Notes:    "rim shadow",
			Point:    &coords.LatLng{Lat: -14.5684, Lng: 175.4729},
		},
		{
			Category: "zone",
			Label:    "dune field, south",
			Rect:     &coords.Bounds{South: 10, West: 20, North: 14, East: 28},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, ExportCSV(&buf, items))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Pattern Type,Latitude,Longitude,Notes", lines[0])
	assert.Equal(t, "crater,-14.568400,175.472900,rim shadow", lines[1])
	// Rect rows use the center point, and commas force quoting.
	assert.Equal(t, `zone,12.000000,24.000000,"dune field, south"`, lines[2])
}

func TestExportCSV_Empty(t *testing.T) {
	var buf bytes.Buffer
	err := ExportCSV(&buf, nil)
	assert.ErrorIs(t, err, ErrNothingToExport)
	assert.Zero(t, buf.Len())
}

func TestExportXLSX(t *testing.T) {
	items := []annotation.Annotation{
		{Category: "gully", Notes: "seasonal flow", Point: &coords.LatLng{Lat: 1, Lng: 2}},
	}
	var buf bytes.Buffer
	require.NoError(t, ExportXLSX(&buf, items))
	assert.Greater(t, buf.Len(), 0)
}

func TestExportFilename(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, "mars-annotations-2026-03-14.csv", ExportFilename("mars-annotations", "csv", now))
}
