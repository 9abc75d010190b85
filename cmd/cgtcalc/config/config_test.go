package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"uk-cgt-calculator/internal/models"
	"uk-cgt-calculator/internal/reporter"
)

func TestDefaultCurrencies(t *testing.T) {
	currencies := DefaultCurrencies()
	if len(currencies) == 0 {
		t.Fatal("expected default currencies")
	}
	if currencies[0] != "USD" {
		t.Errorf("first default currency = %s, want USD", currencies[0])
	}
}

func TestCreateReportConfig(t *testing.T) {
	config := CreateReportConfig("json")
	if config.Format != reporter.FormatJSON {
		t.Errorf("format = %s, want json", config.Format)
	}
	if !config.IncludeCalculationLog {
		t.Error("expected calculation log to be included")
	}
}

func TestCreateInitialPricesEmpty(t *testing.T) {
	initial, err := CreateInitialPrices("")
	if err != nil {
		t.Fatalf("CreateInitialPrices failed: %v", err)
	}
	if _, err := initial.Get(models.Date(2023, time.June, 1), "FOO"); err == nil {
		t.Error("empty initial prices should miss every lookup")
	}
}

func TestCreateInitialPricesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.csv")
	content := "date,symbol,price\n\"Jun 01, 2023\",FOO,12.5\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	initial, err := CreateInitialPrices(path)
	if err != nil {
		t.Fatalf("CreateInitialPrices failed: %v", err)
	}
	price, err := initial.Get(models.Date(2023, time.June, 1), "FOO")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if price.String() != "12.5" {
		t.Errorf("price = %s, want 12.5", price)
	}
}

func TestCreateSpinOffResolver(t *testing.T) {
	resolver, err := CreateSpinOffResolver("")
	if err != nil {
		t.Fatalf("CreateSpinOffResolver failed: %v", err)
	}
	if _, err := resolver.Source("SOLV", models.Date(2024, time.April, 1), nil); err == nil {
		t.Error("empty resolver should not resolve any symbol")
	}

	path := filepath.Join(t.TempDir(), "spin_offs.json")
	if err := os.WriteFile(path, []byte(`{"SOLV": "MMM"}`), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	resolver, err = CreateSpinOffResolver(path)
	if err != nil {
		t.Fatalf("CreateSpinOffResolver failed: %v", err)
	}
	source, err := resolver.Source("SOLV", models.Date(2024, time.April, 1), nil)
	if err != nil {
		t.Fatalf("Source failed: %v", err)
	}
	if source != "MMM" {
		t.Errorf("source = %s, want MMM", source)
	}
}

func TestCreatePriceFetcherEmpty(t *testing.T) {
	fetcher, err := CreatePriceFetcher("")
	if err != nil {
		t.Fatalf("CreatePriceFetcher failed: %v", err)
	}
	if price := fetcher.CurrentMarketPrice("FOO"); price != nil {
		t.Errorf("empty fetcher returned a price: %s", price)
	}
}
