// Package reference loads the named-feature dataset (craters, mons,
// valles) shown alongside user annotations, from a remote CSV endpoint
// or a local shapefile.
package reference

import (
	"context"
	"encoding/csv"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/planetatlas/atlas-cli/internal/coords"
	"github.com/planetatlas/atlas-cli/internal/resilience"
)

// ErrNoCoordinateColumns means the CSV header had no usable latitude
// and longitude columns.
var ErrNoCoordinateColumns = eris.New("reference: no coordinate columns in header")

// Feature is one named surface feature from the reference catalog.
type Feature struct {
	Name     string        `json:"name"`
	Category string        `json:"category,omitempty"`
	Point    coords.LatLng `json:"point"`
	Diameter float64       `json:"diameter_km,omitempty"`
}

// Loader fetches and caches the reference catalog. The fetch is lazy:
// nothing hits the network until the first Load, and a successful
// result is reused for the loader's lifetime. A failed fetch is not
// cached, so the next Load retries.
type Loader struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	log     *zap.Logger

	mu       sync.Mutex
	features []Feature
	loaded   bool
}

// NewLoader builds a Loader for the given CSV endpoint.
func NewLoader(url string, retry resilience.RetryConfig) *Loader {
	return &Loader{
		url:     url,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(2, 2),
		retry:   retry,
		log:     zap.L().With(zap.String("component", "reference")),
	}
}

// Load returns the cached catalog, fetching it on first use.
func (l *Loader) Load(ctx context.Context) ([]Feature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return l.features, nil
	}

	features, err := resilience.DoVal(ctx, l.retry, func(ctx context.Context) ([]Feature, error) {
		return l.fetch(ctx)
	})
	if err != nil {
		return nil, eris.Wrap(err, "reference: load")
	}

	l.features = features
	l.loaded = true
	l.log.Info("loaded reference features", zap.Int("count", len(features)))
	return features, nil
}

func (l *Loader) fetch(ctx context.Context) ([]Feature, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "text/csv")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(err, 0)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("reference: unexpected status %d from %s", resp.StatusCode, l.url)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	return ParseCSV(resp.Body, l.log)
}

// ParseCSV reads a feature catalog from CSV. Column roles are resolved
// from the header: "center latitude"/"center longitude" are preferred,
// then plain "latitude"/"longitude"; if neither pair is present the
// first two columns whose first data row parses as numbers are used.
// Malformed rows are skipped, not fatal.
func ParseCSV(r io.Reader, log *zap.Logger) ([]Feature, error) {
	if log == nil {
		log = zap.L()
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrap(err, "reference: read header")
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	latIdx, lngIdx := coordinateColumns(header)
	nameIdx := columnIndex(header, "clean feature name", "feature name", "name")
	catIdx := columnIndex(header, "feature type", "category", "type")
	diaIdx := columnIndex(header, "diameter", "diameter (km)", "diam")

	var (
		features []Feature
		rows     [][]string
	)

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn("skipping malformed csv row", zap.Error(err))
			continue
		}
		rows = append(rows, row)
	}

	// Positional fallback: sniff the first data row for two numeric
	// columns when the header named none.
	if (latIdx < 0 || lngIdx < 0) && len(rows) > 0 {
		latIdx, lngIdx = numericColumns(rows[0])
	}
	if latIdx < 0 || lngIdx < 0 {
		return nil, ErrNoCoordinateColumns
	}

	for _, row := range rows {
		if latIdx >= len(row) || lngIdx >= len(row) {
			log.Warn("skipping short csv row", zap.Int("fields", len(row)))
			continue
		}
		lat, err1 := strconv.ParseFloat(strings.TrimSpace(row[latIdx]), 64)
		lng, err2 := strconv.ParseFloat(strings.TrimSpace(row[lngIdx]), 64)
		if err1 != nil || err2 != nil {
			log.Warn("skipping row with non-numeric coordinates",
				zap.String("lat", row[latIdx]),
				zap.String("lng", row[lngIdx]))
			continue
		}

		f := Feature{Point: coords.LatLng{Lat: lat, Lng: coords.NormalizeLon(lng)}}
		if nameIdx >= 0 && nameIdx < len(row) {
			f.Name = strings.TrimSpace(row[nameIdx])
		}
		if catIdx >= 0 && catIdx < len(row) {
			f.Category = strings.TrimSpace(row[catIdx])
		}
		if diaIdx >= 0 && diaIdx < len(row) {
			f.Diameter, _ = strconv.ParseFloat(strings.TrimSpace(row[diaIdx]), 64)
		}
		features = append(features, f)
	}

	return features, nil
}

func coordinateColumns(header []string) (latIdx, lngIdx int) {
	latIdx = columnIndex(header, "center latitude", "latitude", "lat")
	lngIdx = columnIndex(header, "center longitude", "longitude", "lon", "lng")
	return latIdx, lngIdx
}

func columnIndex(header []string, names ...string) int {
	for _, name := range names {
		for i, col := range header {
			if col == name {
				return i
			}
		}
	}
	return -1
}

// numericColumns returns the first two column indices whose values
// parse as floats, or -1, -1.
func numericColumns(row []string) (int, int) {
	found := make([]int, 0, 2)
	for i, field := range row {
		if _, err := strconv.ParseFloat(strings.TrimSpace(field), 64); err == nil {
			found = append(found, i)
			if len(found) == 2 {
				return found[0], found[1]
			}
		}
	}
	return -1, -1
}
