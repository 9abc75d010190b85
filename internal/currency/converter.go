// Package currency converts broker transaction amounts to GBP using HMRC's
// published monthly exchange rates.
//
// Rates are loaded once at startup from per-currency CSV files named
// <CCY>.csv in a data directory, one "YYYY-MM,rate" row per month after a
// header row. Lookups are keyed by month: every date within a month uses the
// same rate, matching how HMRC publishes them.
package currency

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"uk-cgt-calculator/internal/models"
	"uk-cgt-calculator/pkg/errors"
	"uk-cgt-calculator/pkg/logger"

	"github.com/shopspring/decimal"
)

// Converter converts any-currency amounts to GBP for a given date.
type Converter struct {
	currencies []string
	rates      map[string]map[time.Time]decimal.Decimal
	logger     logger.Logger
}

// NewConverter loads monthly exchange rates for the given currencies from
// dataDir. GBP needs no rate file.
func NewConverter(currencies []string, dataDir string) (*Converter, error) {
	log := logger.GetGlobalLogger().WithComponent("currency")

	converter := &Converter{
		rates:  make(map[string]map[time.Time]decimal.Decimal),
		logger: log,
	}

	for _, currency := range currencies {
		currency = strings.ToUpper(strings.TrimSpace(currency))
		if currency == "" || currency == "GBP" {
			continue
		}
		converter.currencies = append(converter.currencies, currency)

		path := filepath.Join(dataDir, currency+".csv")
		rates, err := loadRateFile(path)
		if err != nil {
			return nil, err
		}
		converter.rates[currency] = rates
		log.WithFields(logger.Fields{
			"currency": currency,
			"months":   len(rates),
		}).Debug("Loaded exchange rates")
	}

	return converter, nil
}

func loadRateFile(path string) (map[time.Time]decimal.Decimal, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileError(errors.CodeFileNotFound, path, err)
		}
		return nil, errors.FileError(errors.CodeFileUnreadable, path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = 2

	rates := make(map[time.Time]decimal.Decimal)
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.ParseError(errors.CodeInvalidFormat, path, line+1, "row", "", err)
		}
		line++
		if line == 1 {
			// Header row.
			continue
		}

		month, err := time.Parse("2006-01", strings.TrimSpace(record[0]))
		if err != nil {
			return nil, errors.ParseError(errors.CodeInvalidData, path, line, "month", record[0], err)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(record[1]))
		if err != nil {
			return nil, errors.ParseError(errors.CodeInvalidData, path, line, "rate", record[1], err)
		}
		rates[models.Normalize(month)] = rate
	}

	return rates, nil
}

// Rate returns the exchange rate for the given currency in the month of the
// given date. The rate for GBP is always 1.
func (c *Converter) Rate(currency string, date time.Time) (decimal.Decimal, error) {
	currency = strings.ToUpper(currency)
	if currency == "GBP" {
		return decimal.NewFromInt(1), nil
	}

	monthRates, ok := c.rates[currency]
	if !ok {
		return decimal.Decimal{}, errors.New(errors.CategoryRates, errors.CodeExchangeRateMissing,
			fmt.Sprintf("currency %s not in converter currencies", currency)).
			WithSuggestion("pass the currency via --currencies and provide its rate file")
	}

	month := models.Date(date.Year(), date.Month(), 1)
	rate, ok := monthRates[month]
	if !ok {
		return decimal.Decimal{}, errors.ExchangeRateError(currency, models.FormatDate(date))
	}
	return rate, nil
}

// ToGBP converts an amount from the given currency to GBP at the rate for
// the month of the given date.
func (c *Converter) ToGBP(amount decimal.Decimal, currency string, date time.Time) (decimal.Decimal, error) {
	if strings.ToUpper(currency) == "GBP" {
		return amount, nil
	}
	rate, err := c.Rate(currency, date)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return amount.Div(rate), nil
}

// ToGBPFor converts an amount using the transaction's currency and date.
func (c *Converter) ToGBPFor(amount decimal.Decimal, transaction *models.BrokerTransaction) (decimal.Decimal, error) {
	return c.ToGBP(amount, transaction.Currency, transaction.Date)
}
