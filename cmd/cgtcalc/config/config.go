// Package config assembles the collaborator configurations for the CLI from
// flag values.
package config

import (
	"uk-cgt-calculator/internal/parsers"
	"uk-cgt-calculator/internal/prices"
	"uk-cgt-calculator/internal/reporter"
)

// DefaultCurrencies returns the currencies exchange rates are loaded for when
// a rates directory is configured.
func DefaultCurrencies() []string {
	return []string{"USD", "AUD", "RUB", "CNY", "INR"}
}

// CreateInitialPrices loads the initial prices table, or an empty one when no
// file is configured.
func CreateInitialPrices(path string) (*prices.InitialPrices, error) {
	if path == "" {
		return prices.NewInitialPrices(nil), nil
	}
	table, err := parsers.NewInitialPricesParser(nil).ParseFile(path)
	if err != nil {
		return nil, err
	}
	return prices.NewInitialPrices(table), nil
}

// CreatePriceFetcher loads the static market prices file, or an empty fetcher
// when no file is configured.
func CreatePriceFetcher(path string) (*prices.StaticFetcher, error) {
	if path == "" {
		return prices.NewStaticFetcher(), nil
	}
	return prices.LoadStaticFetcher(path)
}

// CreateSpinOffResolver loads the spin-off source mapping, or an empty
// resolver when no file is configured.
func CreateSpinOffResolver(path string) (*prices.StaticSpinOffResolver, error) {
	if path == "" {
		return prices.NewStaticSpinOffResolver(nil), nil
	}
	return prices.LoadSpinOffResolver(path)
}

// CreateReportConfig builds the reporter configuration for an output format
// already validated by the CLI.
func CreateReportConfig(format string) *reporter.ReportConfig {
	return &reporter.ReportConfig{
		Format:                reporter.OutputFormat(format),
		IncludeCalculationLog: true,
	}
}
