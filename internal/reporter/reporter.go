// Package reporter renders the capital gains report.
//
// Two output formats are supported:
//   - Console: the human-readable tax year summary for terminal display
//   - JSON: the full report, including the calculation log, for
//     programmatic consumption
package reporter

import (
	"encoding/json"
	"fmt"
	"io"

	"uk-cgt-calculator/internal/models"
	"uk-cgt-calculator/pkg/logger"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// OutputFormat selects how the report is rendered.
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
)

// IsValid checks if the output format is supported.
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON:
		return true
	default:
		return false
	}
}

// ReportConfig holds the report rendering options.
type ReportConfig struct {
	Format OutputFormat `json:"format"`
	// IncludeCalculationLog controls whether the per-disposal audit trail is
	// part of the JSON output. Console output never includes it.
	IncludeCalculationLog bool `json:"include_calculation_log"`
}

// DefaultReportConfig returns the standard console configuration.
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:                FormatConsole,
		IncludeCalculationLog: true,
	}
}

// ReportGenerator renders capital gains reports in the configured format.
type ReportGenerator struct {
	config *ReportConfig
	logger logger.Logger
}

// NewReportGenerator creates a report generator with the given configuration.
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if !config.Format.IsValid() {
		return nil, fmt.Errorf("invalid output format: %s", config.Format)
	}
	return &ReportGenerator{
		config: config,
		logger: logger.GetGlobalLogger().WithComponent("reporter"),
	}, nil
}

// GenerateReport writes the report to the writer in the configured format.
func (rg *ReportGenerator) GenerateReport(report *models.CapitalGainsReport, writer io.Writer) error {
	rg.logger.WithFields(logger.Fields{
		"format":   string(rg.config.Format),
		"tax_year": report.TaxYear,
	}).Debug("Generating report")

	switch rg.config.Format {
	case FormatJSON:
		return rg.generateJSONReport(report, writer)
	default:
		return rg.generateConsoleReport(report, writer)
	}
}

// formatGBP renders a monetary value as pounds and pence.
func formatGBP(value decimal.Decimal) string {
	pence := models.RoundDecimal(value, 2).Shift(2).IntPart()
	return money.New(pence, money.GBP).Display()
}

func unrealizedGainsString(entry models.PortfolioEntry) string {
	value := "unknown"
	if entry.UnrealizedGains != nil {
		value = formatGBP(*entry.UnrealizedGains)
	}
	return fmt.Sprintf(" (unrealized gains: %s)", value)
}

func (rg *ReportGenerator) generateConsoleReport(report *models.CapitalGainsReport, writer io.Writer) error {
	write := func(format string, args ...interface{}) error {
		_, err := fmt.Fprintf(writer, format, args...)
		return err
	}

	if err := write("Portfolio at the end of %d/%d tax year:\n",
		report.TaxYear, report.TaxYear+1); err != nil {
		return err
	}
	for _, entry := range report.Portfolio {
		if entry.Quantity.Sign() <= 0 {
			continue
		}
		suffix := ""
		if report.ShowUnrealizedGains {
			suffix = unrealizedGainsString(entry)
		}
		if err := write("  %s: %s, %s%s\n", entry.Symbol,
			models.RoundDecimal(entry.Quantity, 2), formatGBP(entry.Amount), suffix); err != nil {
			return err
		}
	}

	if err := write("For tax year %d/%d:\n", report.TaxYear, report.TaxYear+1); err != nil {
		return err
	}
	if err := write("Number of disposals: %d\n", report.DisposalCount); err != nil {
		return err
	}
	if err := write("Disposal proceeds: %s\n", formatGBP(report.DisposalProceeds)); err != nil {
		return err
	}
	if err := write("Allowable costs: %s\n", formatGBP(report.AllowableCosts)); err != nil {
		return err
	}
	if err := write("Capital gain: %s\n", formatGBP(report.CapitalGain)); err != nil {
		return err
	}
	if err := write("Capital loss: %s\n", formatGBP(report.CapitalLoss.Neg())); err != nil {
		return err
	}
	if err := write("Total capital gain: %s\n", formatGBP(report.TotalGain())); err != nil {
		return err
	}
	if report.CapitalGainAllowance != nil {
		if err := write("Taxable capital gain: %s\n", formatGBP(report.TaxableGain())); err != nil {
			return err
		}
	} else {
		if err := write("WARNING: Missing allowance for this tax year\n"); err != nil {
			return err
		}
	}
	if report.ShowUnrealizedGains {
		if err := write("Total unrealized gains: %s\n",
			formatGBP(report.TotalUnrealizedGains())); err != nil {
			return err
		}
		if report.HasUnknownUnrealizedGains() {
			if err := write("WARNING: Some unrealized gains couldn't be calculated." +
				" Take a look at the symbols with unknown unrealized gains above" +
				" and factor in their prices.\n"); err != nil {
				return err
			}
		}
	}
	return nil
}

type jsonPortfolioEntry struct {
	Symbol          string           `json:"symbol"`
	Quantity        decimal.Decimal  `json:"quantity"`
	Amount          decimal.Decimal  `json:"amount"`
	UnrealizedGains *decimal.Decimal `json:"unrealized_gains,omitempty"`
}

type jsonCalculationEntry struct {
	RuleType            string          `json:"rule_type"`
	Quantity            decimal.Decimal `json:"quantity"`
	Amount              decimal.Decimal `json:"amount"`
	Fees                decimal.Decimal `json:"fees"`
	Gain                decimal.Decimal `json:"gain"`
	AllowableCost       decimal.Decimal `json:"allowable_cost"`
	NewQuantity         decimal.Decimal `json:"new_quantity"`
	NewPoolCost         decimal.Decimal `json:"new_pool_cost"`
	BedAndBreakfastDate string          `json:"bed_and_breakfast_date,omitempty"`
	SpinOffSource       string          `json:"spin_off_source,omitempty"`
}

type jsonReport struct {
	TaxYear              int                  `json:"tax_year"`
	Portfolio            []jsonPortfolioEntry `json:"portfolio"`
	DisposalCount        int                  `json:"disposal_count"`
	DisposalProceeds     decimal.Decimal      `json:"disposal_proceeds"`
	AllowableCosts       decimal.Decimal      `json:"allowable_costs"`
	CapitalGain          decimal.Decimal      `json:"capital_gain"`
	CapitalLoss          decimal.Decimal      `json:"capital_loss"`
	TotalGain            decimal.Decimal      `json:"total_gain"`
	CapitalGainAllowance *decimal.Decimal     `json:"capital_gain_allowance,omitempty"`
	TaxableGain          *decimal.Decimal     `json:"taxable_gain,omitempty"`

	CalculationLog map[string]map[string][]jsonCalculationEntry `json:"calculation_log,omitempty"`
}

func (rg *ReportGenerator) generateJSONReport(report *models.CapitalGainsReport, writer io.Writer) error {
	out := jsonReport{
		TaxYear:              report.TaxYear,
		Portfolio:            make([]jsonPortfolioEntry, 0, len(report.Portfolio)),
		DisposalCount:        report.DisposalCount,
		DisposalProceeds:     report.DisposalProceeds,
		AllowableCosts:       report.AllowableCosts,
		CapitalGain:          report.CapitalGain,
		CapitalLoss:          report.CapitalLoss,
		TotalGain:            report.TotalGain(),
		CapitalGainAllowance: report.CapitalGainAllowance,
	}
	if report.CapitalGainAllowance != nil {
		taxable := report.TaxableGain()
		out.TaxableGain = &taxable
	}
	for _, entry := range report.Portfolio {
		out.Portfolio = append(out.Portfolio, jsonPortfolioEntry{
			Symbol:          entry.Symbol,
			Quantity:        entry.Quantity,
			Amount:          entry.Amount,
			UnrealizedGains: entry.UnrealizedGains,
		})
	}

	if rg.config.IncludeCalculationLog {
		out.CalculationLog = make(map[string]map[string][]jsonCalculationEntry, len(report.CalculationLog))
		for date, labels := range report.CalculationLog {
			day := make(map[string][]jsonCalculationEntry, len(labels))
			for label, entries := range labels {
				converted := make([]jsonCalculationEntry, 0, len(entries))
				for _, entry := range entries {
					jsonEntry := jsonCalculationEntry{
						RuleType:      entry.RuleType.String(),
						Quantity:      entry.Quantity,
						Amount:        entry.Amount,
						Fees:          entry.Fees,
						Gain:          entry.Gain,
						AllowableCost: entry.AllowableCost,
						NewQuantity:   entry.NewQuantity,
						NewPoolCost:   entry.NewPoolCost,
					}
					if entry.BedAndBreakfastDate != nil {
						jsonEntry.BedAndBreakfastDate = models.FormatDate(*entry.BedAndBreakfastDate)
					}
					if entry.SpinOff != nil {
						jsonEntry.SpinOffSource = entry.SpinOff.Source
					}
					converted = append(converted, jsonEntry)
				}
				day[label] = converted
			}
			out.CalculationLog[models.FormatDate(date)] = day
		}
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
