// Package models defines the data model for the capital gains calculator:
// normalized broker transactions, the aggregated per-date acquisition and
// disposal records the matching engine consumes, portfolio positions, and
// the calculation audit log that ends up in the final report.
//
// All monetary and share quantities use shopspring decimals. Binary floating
// point is never used for money: the matching engine's reconciliation
// invariants check residuals down to 23 decimal places and would trip on
// float drift.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Intermediate tier math divides pool cost by pool quantity and expects
	// the residual to vanish when a position is fully closed. The default
	// division precision of 16 digits leaves residuals large enough to trip
	// those checks.
	if decimal.DivisionPrecision < 28 {
		decimal.DivisionPrecision = 28
	}
}

// RoundDecimal rounds to the given number of decimal places with ties going
// away from zero.
func RoundDecimal(value decimal.Decimal, places int32) decimal.Decimal {
	return value.Round(places)
}

// Date constructs a canonical UTC-midnight date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Normalize strips the time-of-day and timezone from a timestamp, leaving a
// canonical UTC-midnight date suitable for use as a map key.
func Normalize(t time.Time) time.Time {
	return Date(t.Year(), t.Month(), t.Day())
}

// FormatDate renders a date in ISO form.
func FormatDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// TaxYearStart returns the first day (6 April) of the given UK tax year.
func TaxYearStart(taxYear int) time.Time {
	return Date(taxYear, time.April, 6)
}

// TaxYearEnd returns the last day (5 April of the following calendar year)
// of the given UK tax year.
func TaxYearEnd(taxYear int) time.Time {
	return Date(taxYear+1, time.April, 5)
}

// InternalStartDate is the epoch the calculation pass starts from. All
// transactions before the requested tax year still have to be processed to
// build correct pool state, so the pass begins here rather than at the tax
// year start.
var InternalStartDate = Date(2010, time.January, 1)

// ActionType is the closed set of broker transaction kinds.
type ActionType int

const (
	ActionUnknown ActionType = iota
	ActionBuy
	ActionSell
	ActionTransfer
	ActionStockActivity
	ActionDividend
	ActionTax
	ActionFee
	ActionAdjustment
	ActionCapitalGain
	ActionSpinOff
	ActionInterest
	ActionReinvestShares
	ActionReinvestDividends
	ActionWireFundsReceived
	ActionStockSplit
	ActionCashMerger
)

var actionTypeNames = map[ActionType]string{
	ActionUnknown:           "UNKNOWN",
	ActionBuy:               "BUY",
	ActionSell:              "SELL",
	ActionTransfer:          "TRANSFER",
	ActionStockActivity:     "STOCK_ACTIVITY",
	ActionDividend:          "DIVIDEND",
	ActionTax:               "TAX",
	ActionFee:               "FEE",
	ActionAdjustment:        "ADJUSTMENT",
	ActionCapitalGain:       "CAPITAL_GAIN",
	ActionSpinOff:           "SPIN_OFF",
	ActionInterest:          "INTEREST",
	ActionReinvestShares:    "REINVEST_SHARES",
	ActionReinvestDividends: "REINVEST_DIVIDENDS",
	ActionWireFundsReceived: "WIRE_FUNDS_RECEIVED",
	ActionStockSplit:        "STOCK_SPLIT",
	ActionCashMerger:        "CASH_MERGER",
}

// String returns the canonical name of the action type.
func (a ActionType) String() string {
	if name, ok := actionTypeNames[a]; ok {
		return name
	}
	return fmt.Sprintf("ActionType(%d)", int(a))
}

// ParseActionType maps a raw CSV action name to an ActionType.
func ParseActionType(s string) (ActionType, bool) {
	for action, name := range actionTypeNames {
		if name == s {
			return action, true
		}
	}
	return ActionUnknown, false
}

// Broker identifies the brokerage an account belongs to.
type Broker string

const (
	BrokerUnknown    Broker = "Unknown Broker"
	BrokerSchwab     Broker = "Schwab"
	BrokerMSSB       Broker = "Morgan Stanley"
	BrokerSharesight Broker = "Sharesight"
	BrokerTrading212 Broker = "Trading 212"
)

// BrokerSource identifies the specific export an account's transactions came
// from. Several sources can belong to the same broker; running cash balances
// are kept per broker, not per source.
type BrokerSource struct {
	Name   string
	Broker Broker
}

var (
	SourceUnknown          = BrokerSource{Name: "Unknown Source", Broker: BrokerUnknown}
	SourceSchwabIndividual = BrokerSource{Name: "Schwab Individual", Broker: BrokerSchwab}
	SourceSchwabAwards     = BrokerSource{Name: "Schwab Awards", Broker: BrokerSchwab}
	SourceMSSBRelease      = BrokerSource{Name: "Morgan Stanley Release", Broker: BrokerMSSB}
	SourceMSSBWithdrawal   = BrokerSource{Name: "Morgan Stanley Withdrawal", Broker: BrokerMSSB}
	SourceSharesight       = BrokerSource{Name: "Sharesight", Broker: BrokerSharesight}
	SourceTrading212       = BrokerSource{Name: "Trading 212", Broker: BrokerTrading212}
)

// BrokerTransaction is a normalized brokerage event. Optional fields are nil
// when the export did not carry them; validation of which fields are required
// for which action happens in the ledger builder.
type BrokerTransaction struct {
	Date        time.Time
	Action      ActionType
	Symbol      string
	Description string
	Quantity    *decimal.Decimal
	Price       *decimal.Decimal
	Fees        decimal.Decimal
	Amount      *decimal.Decimal
	Currency    string
	Source      BrokerSource
}

// String returns a compact single-line representation used in error messages
// and balance histories.
func (t *BrokerTransaction) String() string {
	symbol := t.Symbol
	if symbol == "" {
		symbol = "-"
	}
	quantity := "-"
	if t.Quantity != nil {
		quantity = t.Quantity.String()
	}
	price := "-"
	if t.Price != nil {
		price = t.Price.String()
	}
	amount := "-"
	if t.Amount != nil {
		amount = t.Amount.String()
	}
	return fmt.Sprintf("%s %s %s quantity=%s price=%s fees=%s amount=%s %s (%s)",
		FormatDate(t.Date), t.Action, symbol, quantity, price,
		t.Fees.String(), amount, t.Currency, t.Source.Name)
}

// TransactionData holds the aggregated figures for one symbol on one date,
// for either an acquisition or a disposal. Multiple broker events on the same
// date for the same symbol are summed into a single entry, so the matching
// engine never sees more than one acquisition and one disposal per symbol per
// date.
type TransactionData struct {
	Quantity decimal.Decimal
	Amount   decimal.Decimal
	Fees     decimal.Decimal
}

// Add returns the componentwise sum of two transaction data entries.
func (d TransactionData) Add(other TransactionData) TransactionData {
	return TransactionData{
		Quantity: d.Quantity.Add(other.Quantity),
		Amount:   d.Amount.Add(other.Amount),
		Fees:     d.Fees.Add(other.Fees),
	}
}

// TransactionLog maps a date to the per-symbol aggregated transaction data
// for that date. Keys must be canonical UTC-midnight dates.
type TransactionLog map[time.Time]map[string]TransactionData

// Add aggregates the given figures into the log entry for (date, symbol).
func (l TransactionLog) Add(date time.Time, symbol string, quantity, amount, fees decimal.Decimal) {
	entry := TransactionData{Quantity: quantity, Amount: amount, Fees: fees}
	if symbols, ok := l[date]; ok {
		if existing, ok := symbols[symbol]; ok {
			symbols[symbol] = existing.Add(entry)
		} else {
			symbols[symbol] = entry
		}
	} else {
		l[date] = map[string]TransactionData{symbol: entry}
	}
}

// Has reports whether the log contains an entry for (date, symbol).
func (l TransactionLog) Has(date time.Time, symbol string) bool {
	symbols, ok := l[date]
	if !ok {
		return false
	}
	_, ok = symbols[symbol]
	return ok
}

// Get returns the entry for (date, symbol); the zero value when absent.
func (l TransactionLog) Get(date time.Time, symbol string) TransactionData {
	if symbols, ok := l[date]; ok {
		return symbols[symbol]
	}
	return TransactionData{}
}

// SpinOff records that on Date a fraction CostProportion of Source's pooled
// cost remains with Source, the rest having conceptually transferred to Dest.
// It is applied lazily: the first disposal of Source on or after Date consumes
// the record, because acquisitions of Source between the spin-off and that
// disposal must not be affected retroactively.
type SpinOff struct {
	Source         string
	Dest           string
	CostProportion decimal.Decimal
	Date           time.Time
}

// RuleType identifies which HMRC matching rule produced a calculation entry.
type RuleType int

const (
	RuleSection104 RuleType = iota + 1
	RuleSameDay
	RuleBedAndBreakfast
	RuleSpinOff
)

// String returns the canonical name of the rule type.
func (r RuleType) String() string {
	switch r {
	case RuleSection104:
		return "SECTION_104"
	case RuleSameDay:
		return "SAME_DAY"
	case RuleBedAndBreakfast:
		return "BED_AND_BREAKFAST"
	case RuleSpinOff:
		return "SPIN_OFF"
	default:
		return fmt.Sprintf("RuleType(%d)", int(r))
	}
}

// CalculationEntry is one audit-log line: a single matching decision and its
// financial consequences.
type CalculationEntry struct {
	RuleType      RuleType
	Quantity      decimal.Decimal
	Amount        decimal.Decimal
	Fees          decimal.Decimal
	Gain          decimal.Decimal
	AllowableCost decimal.Decimal
	NewQuantity   decimal.Decimal
	NewPoolCost   decimal.Decimal
	// BedAndBreakfastDate is set on disposal-side BED_AND_BREAKFAST entries
	// and references the acquisition date the disposal was matched against.
	BedAndBreakfastDate *time.Time
	SpinOff             *SpinOff
}

// NewCalculationEntry constructs an entry and checks the gain bookkeeping
// identity. A violation is an engine bug, not an input error, so it panics.
func NewCalculationEntry(entry CalculationEntry) CalculationEntry {
	// Only disposal entries carry positive proceeds; acquisition-side
	// entries store cost as a negative amount and have no gain.
	if entry.Amount.Sign() > 0 && entry.RuleType != RuleSpinOff {
		expected := entry.Amount.Sub(entry.AllowableCost)
		if !entry.Gain.Equal(expected) {
			panic(fmt.Sprintf(
				"calculation entry gain (%s) != amount - allowable cost (%s)",
				entry.Gain, expected))
		}
	}
	return entry
}

// CalculationLog is the full audit trail: date -> label -> ordered entries.
// Labels are "buy$SYMBOL", "sell$SYMBOL" or "spin-off$SYMBOL".
type CalculationLog map[time.Time]map[string][]CalculationEntry

// Add appends entries under the given date and label.
func (l CalculationLog) Add(date time.Time, label string, entries []CalculationEntry) {
	if _, ok := l[date]; !ok {
		l[date] = make(map[string][]CalculationEntry)
	}
	l[date][label] = entries
}

// Position is the Section 104 holding for one symbol: total shares held and
// total pooled cost basis in GBP.
type Position struct {
	Quantity decimal.Decimal
	Amount   decimal.Decimal
}

// Add returns the componentwise sum of two positions.
func (p Position) Add(other Position) Position {
	return Position{
		Quantity: p.Quantity.Add(other.Quantity),
		Amount:   p.Amount.Add(other.Amount),
	}
}

// Sub returns the componentwise difference of two positions.
func (p Position) Sub(other Position) Position {
	return Position{
		Quantity: p.Quantity.Sub(other.Quantity),
		Amount:   p.Amount.Sub(other.Amount),
	}
}

// String returns the rounded share count, matching the first-pass portfolio
// summary output.
func (p Position) String() string {
	return RoundDecimal(p.Quantity, 2).String()
}

// PortfolioEntry is a single symbol entry for the portfolio snapshot in the
// final report. UnrealizedGains is nil when the current market price could
// not be determined.
type PortfolioEntry struct {
	Symbol          string
	Quantity        decimal.Decimal
	Amount          decimal.Decimal
	UnrealizedGains *decimal.Decimal
}

// CapitalGainsReport is the final aggregate produced by the matching engine.
type CapitalGainsReport struct {
	TaxYear              int
	Portfolio            []PortfolioEntry
	DisposalCount        int
	DisposalProceeds     decimal.Decimal
	AllowableCosts       decimal.Decimal
	CapitalGain          decimal.Decimal
	CapitalLoss          decimal.Decimal
	CapitalGainAllowance *decimal.Decimal
	CalculationLog       CalculationLog
	ShowUnrealizedGains  bool
}

// TotalGain returns the net capital gain (gain plus loss, losses being
// negative).
func (r *CapitalGainsReport) TotalGain() decimal.Decimal {
	return r.CapitalGain.Add(r.CapitalLoss)
}

// TaxableGain returns the gain subject to tax after the allowance. It must
// only be called when the allowance for the tax year is known.
func (r *CapitalGainsReport) TaxableGain() decimal.Decimal {
	if r.CapitalGainAllowance == nil {
		panic("taxable gain requested without a known allowance")
	}
	taxable := r.TotalGain().Sub(*r.CapitalGainAllowance)
	if taxable.Sign() < 0 {
		return decimal.Zero
	}
	return taxable
}

// TotalUnrealizedGains sums the unrealized gains across the portfolio,
// skipping symbols whose gains are unknown.
func (r *CapitalGainsReport) TotalUnrealizedGains() decimal.Decimal {
	total := decimal.Zero
	for _, entry := range r.Portfolio {
		if entry.UnrealizedGains != nil {
			total = total.Add(*entry.UnrealizedGains)
		}
	}
	return total
}

// HasUnknownUnrealizedGains reports whether any portfolio entry is missing
// an unrealized gains figure.
func (r *CapitalGainsReport) HasUnknownUnrealizedGains() bool {
	for _, entry := range r.Portfolio {
		if entry.UnrealizedGains == nil {
			return true
		}
	}
	return false
}
