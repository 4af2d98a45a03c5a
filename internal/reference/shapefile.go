package reference

import (
	"strconv"
	"strings"

	shp "github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/planetatlas/atlas-cli/internal/coords"
)

// LoadShapefile reads a point-feature catalog from a local shapefile.
// Non-point shapes use the bounding-box center. Attribute fields named
// NAME, TYPE, and DIAMETER (case-insensitive) populate the feature
// metadata when present.
func LoadShapefile(path string) ([]Feature, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "reference: open shapefile")
	}
	defer func() { _ = reader.Close() }()

	nameIdx := shpFieldIndex(reader, "NAME")
	typeIdx := shpFieldIndex(reader, "TYPE")
	diaIdx := shpFieldIndex(reader, "DIAMETER")

	var features []Feature
	for reader.Next() {
		_, shape := reader.Shape()
		if shape == nil {
			continue
		}

		var lat, lng float64
		switch s := shape.(type) {
		case *shp.Point:
			lat, lng = s.Y, s.X
		default:
			box := shape.BBox()
			lat = (box.MinY + box.MaxY) / 2
			lng = (box.MinX + box.MaxX) / 2
		}

		f := Feature{Point: coords.LatLng{Lat: lat, Lng: coords.NormalizeLon(lng)}}
		if nameIdx >= 0 {
			f.Name = strings.TrimSpace(reader.Attribute(nameIdx))
		}
		if typeIdx >= 0 {
			f.Category = strings.TrimSpace(reader.Attribute(typeIdx))
		}
		if diaIdx >= 0 {
			f.Diameter, _ = strconv.ParseFloat(strings.TrimSpace(reader.Attribute(diaIdx)), 64)
		}
		features = append(features, f)
	}

	if err := reader.Err(); err != nil {
		zap.L().Warn("shapefile read ended with error", zap.Error(err))
	}
	return features, nil
}

func shpFieldIndex(reader *shp.Reader, name string) int {
	for i, field := range reader.Fields() {
		if strings.EqualFold(strings.TrimRight(field.String(), "\x00"), name) {
			return i
		}
	}
	return -1
}
