// Package prices supplies market price data and corporate action metadata
// to the calculator: current and historical share prices, initial prices
// for stock awards that carry no price, and spin-off source resolution.
//
// The calculator depends only on the interfaces here. The provided
// implementations are static, file-backed lookups; live price acquisition
// is deliberately out of scope.
package prices

import (
	"encoding/json"
	"os"
	"time"

	"uk-cgt-calculator/internal/models"
	"uk-cgt-calculator/pkg/errors"
	"uk-cgt-calculator/pkg/logger"

	"github.com/shopspring/decimal"
)

// Fetcher provides market prices for symbols.
type Fetcher interface {
	// CurrentMarketPrice returns the current price for a symbol, or nil if
	// it is unknown. Unknown prices are tolerated: they only degrade the
	// unrealized-gains figures in the report.
	CurrentMarketPrice(symbol string) *decimal.Decimal

	// ClosingPrice returns the closing price for a symbol on a date. It is
	// required for spin-off valuation, so a missing price is an error.
	ClosingPrice(symbol string, date time.Time) (decimal.Decimal, error)
}

// SpinOffResolver maps a spin-off destination symbol to the source symbol
// the shares were distributed from.
type SpinOffResolver interface {
	Source(dest string, date time.Time, portfolio map[string]models.Position) (string, error)
}

// StaticFetcher is a Fetcher backed by in-memory maps, optionally loaded
// from a JSON file.
type StaticFetcher struct {
	Current    map[string]*decimal.Decimal
	Historical map[string]map[time.Time]decimal.Decimal
}

// staticPricesFile is the JSON shape of a prices file: current prices per
// symbol and closing prices per symbol per date.
type staticPricesFile struct {
	Current    map[string]string            `json:"current"`
	Historical map[string]map[string]string `json:"historical"`
}

// NewStaticFetcher creates an empty static fetcher.
func NewStaticFetcher() *StaticFetcher {
	return &StaticFetcher{
		Current:    make(map[string]*decimal.Decimal),
		Historical: make(map[string]map[time.Time]decimal.Decimal),
	}
}

// LoadStaticFetcher loads a static fetcher from a JSON prices file.
func LoadStaticFetcher(path string) (*StaticFetcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileError(errors.CodeFileNotFound, path, err)
		}
		return nil, errors.FileError(errors.CodeFileUnreadable, path, err)
	}

	var file staticPricesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.ParseError(errors.CodeInvalidFormat, path, 0, "json", "", err)
	}

	fetcher := NewStaticFetcher()
	for symbol, raw := range file.Current {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, errors.ParseError(errors.CodeInvalidData, path, 0, symbol, raw, err)
		}
		fetcher.Current[symbol] = &price
	}
	for symbol, dates := range file.Historical {
		fetcher.Historical[symbol] = make(map[time.Time]decimal.Decimal, len(dates))
		for rawDate, rawPrice := range dates {
			date, err := time.Parse("2006-01-02", rawDate)
			if err != nil {
				return nil, errors.ParseError(errors.CodeInvalidData, path, 0, symbol, rawDate, err)
			}
			price, err := decimal.NewFromString(rawPrice)
			if err != nil {
				return nil, errors.ParseError(errors.CodeInvalidData, path, 0, symbol, rawPrice, err)
			}
			fetcher.Historical[symbol][models.Normalize(date)] = price
		}
	}

	logger.GetGlobalLogger().WithComponent("prices").WithFields(logger.Fields{
		"current_symbols":    len(fetcher.Current),
		"historical_symbols": len(fetcher.Historical),
	}).Debug("Loaded prices file")

	return fetcher, nil
}

// CurrentMarketPrice returns the current price for a symbol, or nil when
// unknown.
func (f *StaticFetcher) CurrentMarketPrice(symbol string) *decimal.Decimal {
	return f.Current[symbol]
}

// ClosingPrice returns the closing price for a symbol on a date.
func (f *StaticFetcher) ClosingPrice(symbol string, date time.Time) (decimal.Decimal, error) {
	if dates, ok := f.Historical[symbol]; ok {
		if price, ok := dates[models.Normalize(date)]; ok {
			return price, nil
		}
	}
	return decimal.Decimal{}, errors.MarketPriceError(
		errors.CodeMarketPriceMissing, symbol, models.FormatDate(date))
}

// InitialPrices stores per-date initial stock prices used when a stock
// activity acquisition carries no explicit price.
type InitialPrices struct {
	prices map[time.Time]map[string]decimal.Decimal
}

// NewInitialPrices creates an InitialPrices store from the given mapping.
func NewInitialPrices(prices map[time.Time]map[string]decimal.Decimal) *InitialPrices {
	if prices == nil {
		prices = make(map[time.Time]map[string]decimal.Decimal)
	}
	return &InitialPrices{prices: prices}
}

// Get returns the initial price for a symbol on a date.
func (p *InitialPrices) Get(date time.Time, symbol string) (decimal.Decimal, error) {
	if symbols, ok := p.prices[models.Normalize(date)]; ok {
		if price, ok := symbols[symbol]; ok {
			return price, nil
		}
	}
	return decimal.Decimal{}, errors.MarketPriceError(
		errors.CodeInitialPriceMissing, symbol, models.FormatDate(date))
}

// StaticSpinOffResolver resolves spin-off sources from a fixed mapping of
// destination symbol to source symbol, optionally loaded from a JSON file.
type StaticSpinOffResolver struct {
	Sources map[string]string
}

// NewStaticSpinOffResolver creates a resolver from the given mapping.
func NewStaticSpinOffResolver(sources map[string]string) *StaticSpinOffResolver {
	if sources == nil {
		sources = make(map[string]string)
	}
	return &StaticSpinOffResolver{Sources: sources}
}

// LoadSpinOffResolver loads a resolver from a JSON file mapping destination
// ticker to source ticker, e.g. {"SOLV": "MMM"}.
func LoadSpinOffResolver(path string) (*StaticSpinOffResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileError(errors.CodeFileNotFound, path, err)
		}
		return nil, errors.FileError(errors.CodeFileUnreadable, path, err)
	}

	var sources map[string]string
	if err := json.Unmarshal(data, &sources); err != nil {
		return nil, errors.ParseError(errors.CodeInvalidFormat, path, 0, "json", "", err)
	}
	return NewStaticSpinOffResolver(sources), nil
}

// Source returns the source symbol for a spin-off destination. The portfolio
// is accepted so alternative resolvers can infer the source from current
// holdings; the static resolver only consults its mapping.
func (r *StaticSpinOffResolver) Source(dest string, date time.Time, portfolio map[string]models.Position) (string, error) {
	if source, ok := r.Sources[dest]; ok {
		return source, nil
	}
	return "", errors.New(errors.CategoryRates, errors.CodeSpinOffSourceUnknown,
		"no spin-off source known for "+dest+" on "+models.FormatDate(date)).
		WithSuggestion("add the dest-to-source mapping to the spin-offs file").
		WithContext("symbol", dest)
}
