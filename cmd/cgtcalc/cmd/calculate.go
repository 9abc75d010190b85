package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"uk-cgt-calculator/cmd/cgtcalc/config"
	"uk-cgt-calculator/internal/calculator"
	"uk-cgt-calculator/internal/currency"
	"uk-cgt-calculator/internal/ledger"
	"uk-cgt-calculator/internal/parsers"
	"uk-cgt-calculator/internal/reporter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Flags for the calculate command
var (
	taxYear           int
	rawFile           string
	exchangeRatesDir  string
	initialPricesFile string
	spinOffsFile      string
	pricesFile        string
	currencies        []string
	balanceCheck      bool
	unrealizedGains   bool
	outputFormat      string
	outputFile        string
)

// calculateCmd represents the calculate command
var calculateCmd = &cobra.Command{
	Use:   "calculate",
	Short: "Calculate capital gains for a tax year",
	Long: `Calculate reads broker transactions, applies the HMRC share matching
rules and prints the capital gains report for the requested tax year.

The tax year runs from 6 April to 5 April of the following calendar year;
--year 2023 means the 2023/2024 tax year.

Examples:
  # Basic calculation for the 2023/2024 tax year
  cgtcalc calculate --year 2023 --raw transactions.csv

  # Non-GBP transactions need monthly exchange rates
  cgtcalc calculate --year 2023 --raw transactions.csv \
    --exchange-rates-dir rates/ --currencies USD,EUR

  # JSON report with the full calculation log, written to a file
  cgtcalc calculate --year 2023 --raw transactions.csv \
    --output-format json --output report.json

  # Include unrealized gains from a static prices file
  cgtcalc calculate --year 2023 --raw transactions.csv \
    --prices prices.json --unrealized-gains`,

	PreRunE: validateCalculateFlags,
	RunE:    runCalculate,
}

func init() {
	rootCmd.AddCommand(calculateCmd)

	calculateCmd.Flags().IntVarP(&taxYear, "year", "y", 0, "tax year to calculate, e.g. 2023 for 2023/2024 (required)")
	calculateCmd.Flags().StringVarP(&rawFile, "raw", "r", "", "path to the raw transactions CSV file (required)")

	calculateCmd.Flags().StringVar(&exchangeRatesDir, "exchange-rates-dir", "", "directory with monthly exchange rate files (<CCY>.csv)")
	calculateCmd.Flags().StringVar(&initialPricesFile, "initial-prices", "", "CSV file with vesting prices for stock activity without a price")
	calculateCmd.Flags().StringVar(&spinOffsFile, "spin-offs", "", "JSON file mapping spin-off symbols to their source symbols")
	calculateCmd.Flags().StringVar(&pricesFile, "prices", "", "JSON file with current and historical market prices")
	calculateCmd.Flags().StringSliceVar(&currencies, "currencies", config.DefaultCurrencies(), "currencies to load exchange rates for")

	calculateCmd.Flags().BoolVar(&balanceCheck, "balance-check", true, "verify that cash balances never go negative")
	calculateCmd.Flags().BoolVar(&unrealizedGains, "unrealized-gains", false, "calculate unrealized gains for the remaining portfolio")

	calculateCmd.Flags().StringVarP(&outputFormat, "output-format", "f", "console", "output format: console, json")
	calculateCmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file path (default: stdout)")

	calculateCmd.MarkFlagRequired("year")
	calculateCmd.MarkFlagRequired("raw")

	viper.BindPFlag("year", calculateCmd.Flags().Lookup("year"))
	viper.BindPFlag("raw", calculateCmd.Flags().Lookup("raw"))
	viper.BindPFlag("exchange-rates-dir", calculateCmd.Flags().Lookup("exchange-rates-dir"))
	viper.BindPFlag("initial-prices", calculateCmd.Flags().Lookup("initial-prices"))
	viper.BindPFlag("spin-offs", calculateCmd.Flags().Lookup("spin-offs"))
	viper.BindPFlag("prices", calculateCmd.Flags().Lookup("prices"))
	viper.BindPFlag("currencies", calculateCmd.Flags().Lookup("currencies"))
	viper.BindPFlag("balance-check", calculateCmd.Flags().Lookup("balance-check"))
	viper.BindPFlag("unrealized-gains", calculateCmd.Flags().Lookup("unrealized-gains"))
	viper.BindPFlag("output-format", calculateCmd.Flags().Lookup("output-format"))
	viper.BindPFlag("output", calculateCmd.Flags().Lookup("output"))
}

func validateCalculateFlags(cmd *cobra.Command, args []string) error {
	// Get values from viper (allows override from config file)
	taxYear = viper.GetInt("year")
	rawFile = viper.GetString("raw")
	exchangeRatesDir = viper.GetString("exchange-rates-dir")
	initialPricesFile = viper.GetString("initial-prices")
	spinOffsFile = viper.GetString("spin-offs")
	pricesFile = viper.GetString("prices")
	currencies = viper.GetStringSlice("currencies")
	balanceCheck = viper.GetBool("balance-check")
	unrealizedGains = viper.GetBool("unrealized-gains")
	outputFormat = viper.GetString("output-format")
	outputFile = viper.GetString("output")

	if taxYear < 2010 || taxYear > 2100 {
		return fmt.Errorf("tax year %d out of range, use e.g. --year 2023 for 2023/2024", taxYear)
	}

	if err := validateFileExists(rawFile, "raw transactions file"); err != nil {
		return err
	}
	for _, optional := range []struct {
		path        string
		description string
	}{
		{initialPricesFile, "initial prices file"},
		{spinOffsFile, "spin-offs file"},
		{pricesFile, "prices file"},
	} {
		if optional.path == "" {
			continue
		}
		if err := validateFileExists(optional.path, optional.description); err != nil {
			return err
		}
	}

	if exchangeRatesDir != "" {
		info, err := os.Stat(exchangeRatesDir)
		if os.IsNotExist(err) {
			return fmt.Errorf("exchange rates directory does not exist: %s", exchangeRatesDir)
		}
		if err == nil && !info.IsDir() {
			return fmt.Errorf("exchange rates path is not a directory: %s", exchangeRatesDir)
		}
	}

	if !reporter.OutputFormat(outputFormat).IsValid() {
		return fmt.Errorf("invalid output format '%s'. Valid formats: console, json", outputFormat)
	}

	if outputFile != "" {
		dir := filepath.Dir(outputFile)
		if dir != "." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("output directory does not exist: %s", dir)
			}
		}
	}

	return nil
}

func validateFileExists(filePath, description string) error {
	if filePath == "" {
		return fmt.Errorf("%s path cannot be empty", description)
	}

	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s does not exist: %s", description, filePath)
	}
	if err != nil {
		return fmt.Errorf("error accessing %s: %w", description, err)
	}

	if info.IsDir() {
		return fmt.Errorf("%s is a directory, expected a file: %s", description, filePath)
	}

	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("%s is not readable: %w", description, err)
	}
	file.Close()

	return nil
}

func runCalculate(cmd *cobra.Command, args []string) error {
	transactions, err := parsers.NewRawParser(nil).ParseFile(rawFile)
	if err != nil {
		return err
	}

	// Without a rates directory only GBP transactions can be converted.
	converterCurrencies := currencies
	if exchangeRatesDir == "" {
		converterCurrencies = nil
	}
	converter, err := currency.NewConverter(converterCurrencies, exchangeRatesDir)
	if err != nil {
		return err
	}

	initialPrices, err := config.CreateInitialPrices(initialPricesFile)
	if err != nil {
		return err
	}
	priceFetcher, err := config.CreatePriceFetcher(pricesFile)
	if err != nil {
		return err
	}
	spinOffResolver, err := config.CreateSpinOffResolver(spinOffsFile)
	if err != nil {
		return err
	}

	// First pass: convert to GBP, validate and aggregate per date and symbol.
	builder := ledger.NewBuilder(ledger.Config{
		TaxYear:         taxYear,
		Converter:       converter,
		Prices:          priceFetcher,
		SpinOffResolver: spinOffResolver,
		InitialPrices:   initialPrices,
		BalanceCheck:    balanceCheck,
	})
	if _, err := builder.FromBrokerTransactions(transactions); err != nil {
		return err
	}

	// Second pass: apply the matching rules for the tax year.
	calc := calculator.NewCalculator(calculator.Config{
		TaxYear:             taxYear,
		Prices:              priceFetcher,
		CalcUnrealizedGains: unrealizedGains,
	})
	report := calc.CalculateCapitalGain(&calculator.Input{
		Acquisitions: builder.Acquisitions,
		Disposals:    builder.Disposals,
		SpinOffs:     builder.SpinOffs,
	})

	writer := os.Stdout
	if outputFile != "" {
		file, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer file.Close()
		writer = file
	}

	generator, err := reporter.NewReportGenerator(config.CreateReportConfig(outputFormat))
	if err != nil {
		return err
	}
	return generator.GenerateReport(report, writer)
}
