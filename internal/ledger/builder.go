// Package ledger implements the first pass over normalized broker
// transactions: converting amounts to GBP, validating every transaction
// against the running portfolio and cash balances, and aggregating
// acquisitions and disposals per date and symbol for the matching engine.
//
// The builder walks the transaction stream exactly once, in date order. It
// produces two transaction logs (acquisitions and disposals), a queue of
// pending spin-off cost adjustments for the matching engine to apply lazily,
// and summary totals (dividends, interest, tax) for the tax year. The
// portfolio it maintains exists for validation only; the matching engine
// rebuilds pool state itself during the second pass.
package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"uk-cgt-calculator/internal/models"
	"uk-cgt-calculator/pkg/errors"
	"uk-cgt-calculator/pkg/logger"

	"github.com/shopspring/decimal"
)

// amountTolerance is the allowed divergence between a reported amount and
// the amount computed from quantity, price and fees. Brokers round the cash
// value in undocumented ways, so amounts within this distance are treated
// as equal.
var amountTolerance = decimal.RequireFromString("0.10")

// CurrencyConverter converts transaction amounts to GBP.
type CurrencyConverter interface {
	ToGBPFor(amount decimal.Decimal, transaction *models.BrokerTransaction) (decimal.Decimal, error)
}

// PriceSource provides closing prices for spin-off valuation.
type PriceSource interface {
	ClosingPrice(symbol string, date time.Time) (decimal.Decimal, error)
}

// InitialPriceSource provides prices for stock activity acquisitions that
// carry no explicit price.
type InitialPriceSource interface {
	Get(date time.Time, symbol string) (decimal.Decimal, error)
}

// SpinOffResolver maps a spin-off destination symbol to its source symbol.
type SpinOffResolver interface {
	Source(dest string, date time.Time, portfolio map[string]models.Position) (string, error)
}

// Config holds the collaborators and options for a ledger build.
type Config struct {
	TaxYear         int
	Converter       CurrencyConverter
	Prices          PriceSource
	SpinOffResolver SpinOffResolver
	InitialPrices   InitialPriceSource
	// BalanceCheck enables the non-negative running cash balance validation
	// per broker and currency.
	BalanceCheck bool
}

// Builder accumulates the first-pass state.
type Builder struct {
	config       Config
	taxYearStart time.Time
	taxYearEnd   time.Time
	logger       logger.Logger

	// Acquisitions and Disposals are the per-date per-symbol aggregated
	// transaction logs, in GBP, consumed by the matching engine.
	Acquisitions models.TransactionLog
	Disposals    models.TransactionLog

	// SpinOffs queues pending cost adjustments by spin-off date. The
	// matching engine consumes each record exactly once, at the first
	// disposal on or after its date.
	SpinOffs map[time.Time][]models.SpinOff

	// Portfolio is the validation-only running position per symbol, in
	// transaction currency terms.
	Portfolio map[string]models.Position
}

// Summary holds the aggregate totals from the first pass. Monetary figures
// are in GBP and cover the configured tax year only; balances are running
// totals in the original transaction currencies.
type Summary struct {
	Dividends        decimal.Decimal
	DividendTaxes    decimal.Decimal
	Interest         decimal.Decimal
	DisposalProceeds decimal.Decimal
	Balances         map[BalanceKey]decimal.Decimal
}

// BalanceKey identifies a running cash balance: one per broker and currency
// pair.
type BalanceKey struct {
	Broker   models.Broker
	Currency string
}

// NewBuilder creates a ledger builder for the given configuration.
func NewBuilder(config Config) *Builder {
	return &Builder{
		config:       config,
		taxYearStart: models.TaxYearStart(config.TaxYear),
		taxYearEnd:   models.TaxYearEnd(config.TaxYear),
		logger:       logger.GetGlobalLogger().WithComponent("ledger"),
		Acquisitions: make(models.TransactionLog),
		Disposals:    make(models.TransactionLog),
		SpinOffs:     make(map[time.Time][]models.SpinOff),
		Portfolio:    make(map[string]models.Position),
	}
}

func (b *Builder) dateInTaxYear(date time.Time) bool {
	return !date.Before(b.taxYearStart) && !date.After(b.taxYearEnd)
}

// amountOrFail returns the transaction amount or a transaction-scoped error.
func amountOrFail(transaction *models.BrokerTransaction) (decimal.Decimal, error) {
	if transaction.Amount == nil {
		return decimal.Decimal{}, errors.TransactionError(
			errors.CodeAmountMissing, transaction.String(), "")
	}
	return *transaction.Amount, nil
}

func approxEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(amountTolerance)
}

// FromBrokerTransactions runs the first pass over the transaction stream,
// which must be ordered by ascending date.
func (b *Builder) FromBrokerTransactions(transactions []*models.BrokerTransaction) (*Summary, error) {
	balances := make(map[BalanceKey]decimal.Decimal)
	var balanceHistory []decimal.Decimal

	summary := &Summary{Balances: balances}

	for i, transaction := range transactions {
		key := BalanceKey{Broker: transaction.Source.Broker, Currency: transaction.Currency}
		newBalance := balances[key]

		switch transaction.Action {
		case models.ActionTransfer:
			amount, err := amountOrFail(transaction)
			if err != nil {
				return nil, err
			}
			newBalance = newBalance.Add(amount)

		case models.ActionBuy, models.ActionReinvestShares:
			amount, err := amountOrFail(transaction)
			if err != nil {
				return nil, err
			}
			newBalance = newBalance.Add(amount)
			if err := b.addAcquisition(transaction); err != nil {
				return nil, err
			}

		case models.ActionSell, models.ActionCashMerger:
			amount, err := amountOrFail(transaction)
			if err != nil {
				return nil, err
			}
			newBalance = newBalance.Add(amount)
			if err := b.addDisposal(transaction); err != nil {
				return nil, err
			}
			if b.dateInTaxYear(transaction.Date) {
				gbp, err := b.config.Converter.ToGBPFor(amount, transaction)
				if err != nil {
					return nil, err
				}
				summary.DisposalProceeds = summary.DisposalProceeds.Add(gbp)
			}

		case models.ActionFee:
			amount, err := amountOrFail(transaction)
			if err != nil {
				return nil, err
			}
			newBalance = newBalance.Add(amount)
			if transaction.Symbol == "" {
				return nil, errors.TransactionError(
					errors.CodeSymbolMissing, transaction.String(), "")
			}
			// A standalone fee becomes a zero-quantity acquisition carrying
			// only the fee, so the matching engine can apportion it.
			fees := amount.Neg()
			gbpFees, err := b.config.Converter.ToGBPFor(fees, transaction)
			if err != nil {
				return nil, err
			}
			b.Acquisitions.Add(models.Normalize(transaction.Date), transaction.Symbol,
				decimal.Zero, gbpFees, gbpFees)

		case models.ActionStockActivity, models.ActionSpinOff, models.ActionStockSplit:
			if err := b.addAcquisition(transaction); err != nil {
				return nil, err
			}

		case models.ActionDividend, models.ActionCapitalGain:
			amount, err := amountOrFail(transaction)
			if err != nil {
				return nil, err
			}
			newBalance = newBalance.Add(amount)
			if b.dateInTaxYear(transaction.Date) {
				gbp, err := b.config.Converter.ToGBPFor(amount, transaction)
				if err != nil {
					return nil, err
				}
				summary.Dividends = summary.Dividends.Add(gbp)
			}

		case models.ActionTax, models.ActionAdjustment:
			amount, err := amountOrFail(transaction)
			if err != nil {
				return nil, err
			}
			newBalance = newBalance.Add(amount)
			if b.dateInTaxYear(transaction.Date) {
				gbp, err := b.config.Converter.ToGBPFor(amount, transaction)
				if err != nil {
					return nil, err
				}
				summary.DividendTaxes = summary.DividendTaxes.Add(gbp)
			}

		case models.ActionInterest:
			amount, err := amountOrFail(transaction)
			if err != nil {
				return nil, err
			}
			newBalance = newBalance.Add(amount)
			if b.dateInTaxYear(transaction.Date) {
				gbp, err := b.config.Converter.ToGBPFor(amount, transaction)
				if err != nil {
					return nil, err
				}
				summary.Interest = summary.Interest.Add(gbp)
			}

		case models.ActionWireFundsReceived:
			amount, err := amountOrFail(transaction)
			if err != nil {
				return nil, err
			}
			newBalance = newBalance.Add(amount)

		case models.ActionReinvestDividends:
			b.logger.Warnf("Ignoring unsupported action: %s", transaction.Action)

		default:
			return nil, errors.TransactionError(errors.CodeInvalidTransaction,
				transaction.String(),
				fmt.Sprintf("action not processed (%s)", transaction.Action))
		}

		balanceHistory = append(balanceHistory, newBalance)
		if b.config.BalanceCheck && newBalance.Sign() < 0 {
			return nil, errors.BalanceError(
				string(transaction.Source.Broker),
				transaction.Currency,
				newBalance.String(),
				formatBalanceHistory(transactions[:i+1], balanceHistory))
		}
		balances[key] = newBalance
	}

	b.logFirstPassSummary(summary)
	return summary, nil
}

func formatBalanceHistory(transactions []*models.BrokerTransaction, balances []decimal.Decimal) string {
	var lines []string
	for i, transaction := range transactions {
		lines = append(lines, fmt.Sprintf("%s\nBalance after transaction=%s",
			transaction, balances[i]))
	}
	return strings.Join(lines, "\n")
}

func (b *Builder) logFirstPassSummary(summary *Summary) {
	log := b.logger
	log.Info("First pass completed")

	symbols := make([]string, 0, len(b.Portfolio))
	for symbol := range b.Portfolio {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		log.WithFields(logger.Fields{
			"symbol":   symbol,
			"quantity": b.Portfolio[symbol].String(),
		}).Info("Final position")
	}

	for key, amount := range summary.Balances {
		log.WithFields(logger.Fields{
			"broker":   string(key.Broker),
			"currency": key.Currency,
			"balance":  models.RoundDecimal(amount, 2).String(),
		}).Info("Final balance")
	}

	log.WithFields(logger.Fields{
		"dividends":         models.RoundDecimal(summary.Dividends, 2).String(),
		"dividend_taxes":    models.RoundDecimal(summary.DividendTaxes.Neg(), 2).String(),
		"interest":          models.RoundDecimal(summary.Interest, 2).String(),
		"disposal_proceeds": models.RoundDecimal(summary.DisposalProceeds, 2).String(),
	}).Info("First pass totals")
}

// addAcquisition validates an acquisition transaction and aggregates it into
// the acquisition log.
func (b *Builder) addAcquisition(transaction *models.BrokerTransaction) error {
	symbol := transaction.Symbol
	if symbol == "" {
		return errors.TransactionError(errors.CodeSymbolMissing, transaction.String(), "")
	}
	if transaction.Quantity == nil || transaction.Quantity.Sign() <= 0 {
		return errors.TransactionError(errors.CodeQuantityNotPositive, transaction.String(), "")
	}
	quantity := *transaction.Quantity

	var amount decimal.Decimal
	switch transaction.Action {
	case models.ActionStockActivity:
		price := transaction.Price
		if price == nil {
			initial, err := b.config.InitialPrices.Get(transaction.Date, symbol)
			if err != nil {
				return err
			}
			price = &initial
		}
		amount = models.RoundDecimal(quantity.Mul(*price), 2)

	case models.ActionSpinOff:
		var err error
		_, amount, err = b.handleSpinOff(transaction)
		if err != nil {
			return err
		}

	case models.ActionStockSplit:
		// Split shares carry no cost.
		amount = decimal.Zero

	default:
		if transaction.Price == nil {
			return errors.TransactionError(errors.CodePriceMissing, transaction.String(), "")
		}
		reported, err := amountOrFail(transaction)
		if err != nil {
			return err
		}
		// Purchases are cash outflows: the reported amount must equal the
		// negated cost of shares plus fees.
		calculated := quantity.Mul(*transaction.Price).Add(transaction.Fees)
		if !approxEqual(reported, calculated.Neg()) {
			return errors.TransactionError(errors.CodeAmountDiscrepancy, transaction.String(),
				fmt.Sprintf("expected amount %s", calculated.Neg()))
		}
		amount = reported.Neg()
	}

	b.Portfolio[symbol] = b.Portfolio[symbol].Add(models.Position{
		Quantity: quantity,
		Amount:   amount,
	})

	gbpAmount, err := b.config.Converter.ToGBPFor(amount, transaction)
	if err != nil {
		return err
	}
	gbpFees, err := b.config.Converter.ToGBPFor(transaction.Fees, transaction)
	if err != nil {
		return err
	}
	b.Acquisitions.Add(models.Normalize(transaction.Date), symbol, quantity, gbpAmount, gbpFees)
	return nil
}

// handleSpinOff derives the cost basis of spun-off shares by apportioning
// the source's pooled cost according to the relative market values of source
// and destination at the spin-off date, and queues the cost adjustment for
// the matching engine. Returns the derived unit price and total cost of the
// new shares.
func (b *Builder) handleSpinOff(transaction *models.BrokerTransaction) (decimal.Decimal, decimal.Decimal, error) {
	symbol := transaction.Symbol
	quantity := *transaction.Quantity
	date := models.Normalize(transaction.Date)

	source, err := b.config.SpinOffResolver.Source(symbol, date, b.Portfolio)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}

	destPrice, err := b.config.Prices.ClosingPrice(symbol, date)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	sourcePrice, err := b.config.Prices.ClosingPrice(source, date)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}

	destValue := quantity.Mul(destPrice)
	sourceValue := b.Portfolio[source].Quantity.Mul(sourcePrice)
	originalSourceCost := b.Portfolio[source].Amount

	// Fraction of the original cost that stays with the source symbol.
	costProportion := sourceValue.Div(destValue.Add(sourceValue))

	b.SpinOffs[date] = append(b.SpinOffs[date], models.SpinOff{
		Source:         source,
		Dest:           symbol,
		CostProportion: costProportion,
		Date:           date,
	})

	b.logger.WithFields(logger.Fields{
		"source":          source,
		"dest":            symbol,
		"date":            models.FormatDate(date),
		"cost_proportion": costProportion.StringFixed(4),
	}).Info("Queued spin-off cost adjustment")

	amount := decimal.NewFromInt(1).Sub(costProportion).Mul(originalSourceCost)
	return amount.Div(quantity), models.RoundDecimal(amount, 2), nil
}

// addDisposal validates a disposal transaction against the running portfolio
// and aggregates it into the disposal log.
func (b *Builder) addDisposal(transaction *models.BrokerTransaction) error {
	symbol := transaction.Symbol
	if symbol == "" {
		return errors.TransactionError(errors.CodeSymbolMissing, transaction.String(), "")
	}
	position, held := b.Portfolio[symbol]
	if !held {
		return errors.TransactionError(errors.CodeInvalidTransaction, transaction.String(),
			"tried to sell a symbol that is not owned, reversed order?")
	}
	if transaction.Quantity == nil || transaction.Quantity.Sign() <= 0 {
		return errors.TransactionError(errors.CodeQuantityNotPositive, transaction.String(), "")
	}
	quantity := *transaction.Quantity
	if position.Quantity.LessThan(quantity) {
		return errors.TransactionError(errors.CodeInvalidTransaction, transaction.String(),
			fmt.Sprintf("tried to sell more than the available balance (%s)", position.Quantity))
	}

	amount, err := amountOrFail(transaction)
	if err != nil {
		return err
	}
	if transaction.Price == nil {
		return errors.TransactionError(errors.CodePriceMissing, transaction.String(), "")
	}

	remaining := position.Sub(models.Position{Quantity: quantity, Amount: amount})
	if remaining.Quantity.IsZero() {
		delete(b.Portfolio, symbol)
	} else {
		b.Portfolio[symbol] = remaining
	}

	calculated := quantity.Mul(*transaction.Price).Sub(transaction.Fees)
	if !approxEqual(amount, calculated) {
		return errors.TransactionError(errors.CodeAmountDiscrepancy, transaction.String(),
			fmt.Sprintf("expected amount %s", calculated))
	}

	gbpAmount, err := b.config.Converter.ToGBPFor(amount, transaction)
	if err != nil {
		return err
	}
	gbpFees, err := b.config.Converter.ToGBPFor(transaction.Fees, transaction)
	if err != nil {
		return err
	}
	b.Disposals.Add(models.Normalize(transaction.Date), symbol, quantity, gbpAmount, gbpFees)
	return nil
}
