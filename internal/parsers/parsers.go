// Package parsers reads the CSV inputs of the calculator: the raw broker
// transaction format and the initial prices table.
//
// All parsers share the same shape: a column-driven reader that validates
// headers up front, skips blank rows, and reports invalid data through
// line-scoped parse errors that name the file, line and field.
package parsers

import (
	"encoding/csv"
	"io"
	"os"
	"strings"
	"time"

	"uk-cgt-calculator/pkg/errors"

	"github.com/shopspring/decimal"
)

// Config holds the CSV reading options shared by all parsers.
type Config struct {
	Delimiter        rune
	TrimLeadingSpace bool
}

// DefaultConfig returns the standard comma-separated configuration.
func DefaultConfig() *Config {
	return &Config{
		Delimiter:        ',',
		TrimLeadingSpace: true,
	}
}

// row is one data record with access to fields by column name.
type row struct {
	file   string
	line   int
	index  map[string]int
	values []string
}

func (r *row) field(name string) string {
	return strings.TrimSpace(r.values[r.index[name]])
}

func (r *row) invalid(field string, err error) error {
	return errors.ParseError(errors.CodeInvalidData, r.file, r.line,
		field, r.field(field), err)
}

func (r *row) date(field, layout string) (time.Time, error) {
	value, err := time.Parse(layout, r.field(field))
	if err != nil {
		return time.Time{}, r.invalid(field, err)
	}
	return value, nil
}

func (r *row) decimal(field string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(r.field(field))
	if err != nil {
		return decimal.Decimal{}, r.invalid(field, err)
	}
	return value, nil
}

// optionalDecimal returns nil for an empty field.
func (r *row) optionalDecimal(field string) (*decimal.Decimal, error) {
	if r.field(field) == "" {
		return nil, nil
	}
	value, err := r.decimal(field)
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// forEachRow opens the file, validates that every required column is present
// in the header, and calls fn once per non-blank data record.
func forEachRow(path string, config *Config, required []string, fn func(*row) error) error {
	if config == nil {
		config = DefaultConfig()
	}
	file, err := os.Open(path)
	if err != nil {
		return errors.FileError(errors.CodeFileNotFound, path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.Comma = config.Delimiter
	reader.TrimLeadingSpace = config.TrimLeadingSpace
	// Blank rows are tolerated, so do not enforce a fixed field count.
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return errors.FileError(errors.CodeFileUnreadable, path, err)
	}
	index := make(map[string]int, len(headers))
	for i, header := range headers {
		index[strings.TrimSpace(header)] = i
	}
	for _, column := range required {
		if _, ok := index[column]; !ok {
			return errors.ParseError(errors.CodeMissingColumn, path, 1, column, "", nil)
		}
	}

	line := 1
	for {
		values, err := reader.Read()
		line++
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.ParseError(errors.CodeInvalidFormat, path, line, "", "", err)
		}
		blank := true
		for _, value := range values {
			if strings.TrimSpace(value) != "" {
				blank = false
				break
			}
		}
		if blank {
			continue
		}
		if len(values) < len(headers) {
			return errors.ParseError(errors.CodeInvalidFormat, path, line, "",
				strings.Join(values, ","), nil)
		}
		if err := fn(&row{file: path, line: line, index: index, values: values}); err != nil {
			return err
		}
	}
}
