package counts

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/rewired-gh/crimerisk/internal/logger"
	"github.com/rewired-gh/crimerisk/internal/models"
)

// Columns are the required CSV header fields.
var Columns = []string{"neighborhood_id", "week_start", "crime_type", "time_of_day", "count"}

// LoadCSV reads a weekly counts CSV into a baseline Store.
func LoadCSV(path string) (*Store, error) {
	records, err := ReadCSVFile(path)
	if err != nil {
		return nil, err
	}
	return NewStore(records), nil
}

// ReadCSVFile reads every valid row of a weekly counts CSV.
func ReadCSVFile(path string) ([]models.WeeklyCount, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open counts file: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV parses weekly count rows. Columns are located by header name and
// may appear in any order; extra columns are ignored. Rows that fail
// validation are skipped and logged.
func ReadCSV(r io.Reader) ([]models.WeeklyCount, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("counts file is empty")
		}
		return nil, fmt.Errorf("failed to read counts header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, c := range Columns {
		if _, ok := idx[c]; !ok {
			return nil, fmt.Errorf("counts file is missing column %q", c)
		}
	}

	var out []models.WeeklyCount
	skipped := 0
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read counts row %d: %w", line, err)
		}

		wc, err := parseRow(rec, idx)
		if err != nil {
			skipped++
			logger.Debug("Skipping counts row %d: %v", line, err)
			continue
		}
		out = append(out, wc)
	}

	if skipped > 0 {
		logger.Warn("Skipped %d invalid counts rows", skipped)
	}
	return out, nil
}

func parseRow(rec []string, idx map[string]int) (models.WeeklyCount, error) {
	field := func(name string) string {
		i := idx[name]
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	week, err := models.ParseDate(field("week_start"))
	if err != nil {
		return models.WeeklyCount{}, err
	}
	count, err := strconv.ParseFloat(field("count"), 64)
	if err != nil || math.IsNaN(count) || math.IsInf(count, 0) {
		return models.WeeklyCount{}, fmt.Errorf("invalid count %q", field("count"))
	}

	wc := models.WeeklyCount{
		NeighborhoodID: field("neighborhood_id"),
		WeekStart:      models.WeekStart(week),
		CrimeType:      models.CrimeType(strings.ToLower(field("crime_type"))),
		TimeOfDay:      models.TimeOfDay(strings.ToLower(field("time_of_day"))),
		Count:          count,
	}
	if err := wc.Validate(); err != nil {
		return models.WeeklyCount{}, err
	}
	return wc, nil
}
