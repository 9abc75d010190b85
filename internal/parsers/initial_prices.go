package parsers

import (
	"time"

	"uk-cgt-calculator/internal/models"
	"uk-cgt-calculator/pkg/logger"

	"github.com/shopspring/decimal"
)

var initialPricesColumns = []string{"date", "symbol", "price"}

// InitialPricesParser reads the table of vesting prices used for stock
// activity acquisitions that carry no explicit price. Dates use the broker
// export form, e.g. "Jan 02, 2023".
type InitialPricesParser struct {
	config *Config
	logger logger.Logger
}

// NewInitialPricesParser creates an initial prices parser.
func NewInitialPricesParser(config *Config) *InitialPricesParser {
	if config == nil {
		config = DefaultConfig()
	}
	return &InitialPricesParser{
		config: config,
		logger: logger.GetGlobalLogger().WithComponent("initial_prices_parser"),
	}
}

// ParseFile reads the file into a date-to-symbol price table.
func (p *InitialPricesParser) ParseFile(path string) (map[time.Time]map[string]decimal.Decimal, error) {
	prices := make(map[time.Time]map[string]decimal.Decimal)
	count := 0

	err := forEachRow(path, p.config, initialPricesColumns, func(r *row) error {
		date, err := r.date("date", "Jan 2, 2006")
		if err != nil {
			return err
		}
		price, err := r.decimal("price")
		if err != nil {
			return err
		}
		symbol := r.field("symbol")
		if symbol == "" {
			return r.invalid("symbol", nil)
		}
		day := models.Normalize(date)
		if _, ok := prices[day]; !ok {
			prices[day] = make(map[string]decimal.Decimal)
		}
		prices[day][symbol] = price
		count++
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.logger.WithFields(logger.Fields{
		"file":   path,
		"prices": count,
	}).Info("Parsed initial prices")
	return prices, nil
}
