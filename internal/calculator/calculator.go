// Package calculator implements the HMRC share-matching engine: the second
// pass that consumes the aggregated acquisition and disposal logs produced
// by the ledger builder and computes capital gains for a tax year.
//
// Disposals are matched against acquisitions under the legally mandated
// priority order:
//
//  1. same-day rule: acquisitions on the disposal date
//  2. bed-and-breakfast rule: acquisitions in the following 30 days
//  3. Section 104 holding: the pooled average-cost position
//
// The engine is a sequential state machine over two structures it owns
// exclusively: the running portfolio of pooled positions, and the
// bed-and-breakfast claim index. Claims are written when a disposal matches
// a future acquisition and consumed when the main pass reaches that
// acquisition date, splitting the acquisition between the claim and the
// Section 104 pool.
//
// Reconciliation invariants (tier quantities, proceeds and gains summing to
// the disposal totals, pools draining to zero cost at zero quantity) are
// checked at every step. A violation is an engine bug, never an input
// error, so it panics.
package calculator

import (
	"fmt"
	"sort"
	"time"

	"uk-cgt-calculator/internal/models"
	"uk-cgt-calculator/pkg/logger"

	"github.com/shopspring/decimal"
)

// BedAndBreakfastDays is the length of the acquisition lookahead window for
// the bed-and-breakfast rule.
const BedAndBreakfastDays = 30

// capitalGainAllowances is the HMRC annual exempt amount per tax year.
// Years absent from the table produce a report with an unknown allowance
// rather than an error.
var capitalGainAllowances = map[int]int64{
	2014: 11000,
	2015: 11100,
	2016: 11100,
	2017: 11300,
	2018: 11700,
	2019: 12000,
	2020: 12300,
	2021: 12300,
	2022: 12300,
	2023: 6000,
	2024: 3000,
	2025: 3000,
}

// MarketPriceSource provides best-effort current prices for the optional
// unrealized-gains figures in the report.
type MarketPriceSource interface {
	CurrentMarketPrice(symbol string) *decimal.Decimal
}

// Input is the first-pass output the matching engine consumes: aggregated
// acquisition and disposal logs in GBP, and the queue of pending spin-off
// cost adjustments keyed by spin-off date.
type Input struct {
	Acquisitions models.TransactionLog
	Disposals    models.TransactionLog
	SpinOffs     map[time.Time][]models.SpinOff
}

// Config holds the calculator options.
type Config struct {
	TaxYear             int
	Prices              MarketPriceSource
	CalcUnrealizedGains bool
}

// Calculator computes the capital gains report for one tax year.
type Calculator struct {
	config       Config
	taxYearStart time.Time
	taxYearEnd   time.Time
	logger       logger.Logger

	// bnbList indexes pending bed-and-breakfast claims by the acquisition
	// date they were matched against. Written from the disposal side, read
	// when the main pass reaches the acquisition date.
	bnbList models.TransactionLog

	// portfolio is the live Section 104 pool per symbol, owned exclusively
	// by the calculation pass.
	portfolio map[string]models.Position
}

// NewCalculator creates a calculator for the given configuration.
func NewCalculator(config Config) *Calculator {
	return &Calculator{
		config:       config,
		taxYearStart: models.TaxYearStart(config.TaxYear),
		taxYearEnd:   models.TaxYearEnd(config.TaxYear),
		logger:       logger.GetGlobalLogger().WithComponent("calculator"),
		bnbList:      make(models.TransactionLog),
		portfolio:    make(map[string]models.Position),
	}
}

// assertf panics with a formatted message when the condition does not hold.
// Used for internal consistency invariants only.
func assertf(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf(format, args...))
	}
}

// processAcquisition handles one (date, symbol) acquisition: consuming any
// bed-and-breakfast claim registered against it and adding the remainder to
// the Section 104 pool.
func (c *Calculator) processAcquisition(symbol string, dateIndex time.Time, input *Input) []models.CalculationEntry {
	acquisition := input.Acquisitions.Get(dateIndex, symbol)
	modifiedAmount := acquisition.Amount
	position := c.portfolio[symbol]
	var entries []models.CalculationEntry

	// Management fee entries can have zero quantity, stock splits zero cost.
	assertf(acquisition.Quantity.Sign() >= 0, "acquisition quantity %s is negative", acquisition.Quantity)
	assertf(acquisition.Amount.Sign() >= 0, "acquisition amount %s is negative", acquisition.Amount)

	bnbAcquisition := models.TransactionData{}
	bedAndBreakfastFees := decimal.Zero

	if acquisition.Quantity.Sign() > 0 && c.bnbList.Has(dateIndex, symbol) {
		acquisitionPrice := acquisition.Amount.Div(acquisition.Quantity)
		bnbAcquisition = c.bnbList.Get(dateIndex, symbol)
		assertf(!bnbAcquisition.Quantity.GreaterThan(acquisition.Quantity),
			"bed and breakfast claim %s exceeds acquisition %s",
			bnbAcquisition.Quantity, acquisition.Quantity)

		// The claimed shares go to the earlier disposal at this
		// acquisition's price; the pool instead receives the cost that was
		// pulled out when the claim was registered.
		modifiedAmount = modifiedAmount.
			Sub(bnbAcquisition.Quantity.Mul(acquisitionPrice)).
			Add(bnbAcquisition.Amount)
		assertf(modifiedAmount.Sign() >= 0, "modified amount %s is negative", modifiedAmount)

		bedAndBreakfastFees = acquisition.Fees.
			Mul(bnbAcquisition.Quantity).
			Div(acquisition.Quantity)

		entries = append(entries, models.NewCalculationEntry(models.CalculationEntry{
			RuleType:      models.RuleBedAndBreakfast,
			Quantity:      bnbAcquisition.Quantity,
			Amount:        bnbAcquisition.Amount.Neg(),
			Fees:          bedAndBreakfastFees,
			AllowableCost: acquisition.Amount,
			NewQuantity:   position.Quantity.Add(bnbAcquisition.Quantity),
			NewPoolCost:   position.Amount.Add(bnbAcquisition.Amount),
		}))
	}

	c.portfolio[symbol] = position.Add(models.Position{
		Quantity: acquisition.Quantity,
		Amount:   modifiedAmount,
	})

	remainder := acquisition.Quantity.Sub(bnbAcquisition.Quantity)
	if remainder.Sign() > 0 || bnbAcquisition.Quantity.Sign() == 0 {
		// A spin-off acquisition carries its descriptor into the audit log.
		var spinOff *models.SpinOff
		for i := range input.SpinOffs[dateIndex] {
			if input.SpinOffs[dateIndex][i].Dest == symbol {
				spinOff = &input.SpinOffs[dateIndex][i]
				break
			}
		}
		entries = append(entries, models.NewCalculationEntry(models.CalculationEntry{
			RuleType:      models.RuleSection104,
			Quantity:      remainder,
			Amount:        modifiedAmount.Sub(bnbAcquisition.Amount).Neg(),
			Fees:          acquisition.Fees.Sub(bedAndBreakfastFees),
			AllowableCost: acquisition.Amount,
			NewQuantity:   position.Quantity.Add(acquisition.Quantity),
			NewPoolCost:   position.Amount.Add(modifiedAmount),
			SpinOff:       spinOff,
		}))
	}
	return entries
}

// applyPendingSpinOffs consumes every queued spin-off with a date on or
// before dateIndex, scaling the source symbol's pool cost by the cost
// proportion. Each consumed record produces a SPIN_OFF audit entry.
func (c *Calculator) applyPendingSpinOffs(dateIndex time.Time, input *Input) []models.CalculationEntry {
	var dates []time.Time
	for date := range input.SpinOffs {
		if !date.After(dateIndex) {
			dates = append(dates, date)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	var entries []models.CalculationEntry
	for _, date := range dates {
		for _, spinOff := range input.SpinOffs[date] {
			spinOff := spinOff
			position := c.portfolio[spinOff.Source]
			newAmount := position.Amount.Mul(spinOff.CostProportion)

			c.logger.WithFields(logger.Fields{
				"source":          spinOff.Source,
				"dest":            spinOff.Dest,
				"date":            models.FormatDate(spinOff.Date),
				"old_cost":        position.Amount.StringFixed(2),
				"new_cost":        newAmount.StringFixed(2),
				"cost_proportion": spinOff.CostProportion.StringFixed(4),
			}).Debug("Applying spin-off cost adjustment")

			c.portfolio[spinOff.Source] = models.Position{
				Quantity: position.Quantity,
				Amount:   newAmount,
			}
			// Fees, if any, are already accounted on the acquisition of the
			// spun-off shares.
			entries = append(entries, models.NewCalculationEntry(models.CalculationEntry{
				RuleType:      models.RuleSpinOff,
				Quantity:      position.Quantity,
				Amount:        position.Amount.Neg(),
				Fees:          decimal.Zero,
				AllowableCost: newAmount,
				NewQuantity:   position.Quantity,
				NewPoolCost:   newAmount,
				SpinOff:       &spinOff,
			}))
		}
		delete(input.SpinOffs, date)
	}
	return entries
}

// processDisposal handles one (date, symbol) disposal through the strict
// three-tier waterfall. Returns the rounded chargeable gain, the per-tier
// audit entries, and any spin-off entries applied before matching.
func (c *Calculator) processDisposal(symbol string, dateIndex time.Time, input *Input) (decimal.Decimal, []models.CalculationEntry, []models.CalculationEntry) {
	disposal := input.Disposals.Get(dateIndex, symbol)
	disposalQuantity := disposal.Quantity
	proceedsAmount := disposal.Amount
	originalDisposalQuantity := disposalQuantity
	disposalPrice := proceedsAmount.Div(disposalQuantity)

	// Any spin-off dated on or before this disposal must reshape the pool
	// cost before matching; sales prior to the spin-off keep the original
	// cost basis.
	spinOffEntries := c.applyPendingSpinOffs(dateIndex, input)

	currentQuantity := c.portfolio[symbol].Quantity
	currentAmount := c.portfolio[symbol].Amount

	chargeableGain := decimal.Zero
	var entries []models.CalculationEntry

	// Tier 1: same-day rule.
	if input.Acquisitions.Has(dateIndex, symbol) {
		sameDayAcquisition := input.Acquisitions.Get(dateIndex, symbol)

		availableQuantity := decimal.Min(disposalQuantity, sameDayAcquisition.Quantity)
		if availableQuantity.Sign() > 0 {
			acquisitionPrice := sameDayAcquisition.Amount.Div(sameDayAcquisition.Quantity)
			sameDayProceeds := availableQuantity.Mul(disposalPrice)
			sameDayAllowableCost := availableQuantity.Mul(acquisitionPrice)
			sameDayGain := sameDayProceeds.Sub(sameDayAllowableCost)
			chargeableGain = chargeableGain.Add(sameDayGain)

			c.logger.WithFields(logger.Fields{
				"symbol":            symbol,
				"quantity":          availableQuantity.String(),
				"gain":              sameDayGain.StringFixed(2),
				"disposal_price":    disposalPrice.String(),
				"acquisition_price": acquisitionPrice.String(),
			}).Debug("Same day match")

			disposalQuantity = disposalQuantity.Sub(availableQuantity)
			proceedsAmount = proceedsAmount.Sub(availableQuantity.Mul(disposalPrice))
			currentQuantity = currentQuantity.Sub(availableQuantity)
			// Same-day matched shares never enter the Section 104 pool.
			currentAmount = currentAmount.Sub(availableQuantity.Mul(acquisitionPrice))
			if currentQuantity.IsZero() {
				assertf(models.RoundDecimal(currentAmount, 23).IsZero(),
					"pool cost %s not zero at zero quantity", currentAmount)
			}
			fees := disposal.Fees.Mul(availableQuantity).Div(originalDisposalQuantity)
			entries = append(entries, models.NewCalculationEntry(models.CalculationEntry{
				RuleType:      models.RuleSameDay,
				Quantity:      availableQuantity,
				Amount:        sameDayProceeds,
				Gain:          sameDayGain,
				AllowableCost: sameDayAllowableCost,
				Fees:          fees,
				NewQuantity:   currentQuantity,
				NewPoolCost:   currentAmount,
			}))
		}
	}

	// Tier 2: bed-and-breakfast rule over the next 30 days.
	if disposalQuantity.Sign() > 0 {
		for i := 1; i <= BedAndBreakfastDays; i++ {
			if disposalQuantity.Sign() == 0 {
				break
			}
			searchIndex := dateIndex.AddDate(0, 0, i)
			if !input.Acquisitions.Has(searchIndex, symbol) {
				continue
			}
			acquisition := input.Acquisitions.Get(searchIndex, symbol)
			bnbAcquisition := c.bnbList.Get(searchIndex, symbol)
			assertf(!bnbAcquisition.Quantity.GreaterThan(acquisition.Quantity),
				"bed and breakfast claim %s exceeds acquisition %s",
				bnbAcquisition.Quantity, acquisition.Quantity)

			sameDayDisposal := input.Disposals.Get(searchIndex, symbol)
			if sameDayDisposal.Quantity.GreaterThan(acquisition.Quantity) {
				// A same-day disposal exceeding the acquisition means the
				// excess is identified in the normal way, not here.
				continue
			}

			// Entirely consumed already, either by a same-day disposal on
			// that date or by an earlier bed-and-breakfast claim. Also
			// covers zero-quantity management fee entries.
			remaining := acquisition.Quantity.
				Sub(sameDayDisposal.Quantity).
				Sub(bnbAcquisition.Quantity)
			if remaining.Sign() == 0 {
				continue
			}

			c.logger.WithFields(logger.Fields{
				"symbol":      symbol,
				"disposed":    models.FormatDate(dateIndex),
				"re_acquired": models.FormatDate(searchIndex),
			}).Warn("Bed and breakfasting detected")

			availableQuantity := decimal.Min(disposalQuantity, remaining)
			acquisitionPrice := acquisition.Amount.Div(acquisition.Quantity)
			bnbProceeds := availableQuantity.Mul(disposalPrice)
			bnbAllowableCost := availableQuantity.Mul(acquisitionPrice)
			bnbGain := bnbProceeds.Sub(bnbAllowableCost)
			chargeableGain = chargeableGain.Add(bnbGain)

			c.logger.WithFields(logger.Fields{
				"symbol":            symbol,
				"quantity":          availableQuantity.String(),
				"gain":              bnbGain.StringFixed(2),
				"disposal_price":    disposalPrice.String(),
				"acquisition_price": acquisitionPrice.String(),
			}).Debug("Bed and breakfast match")

			disposalQuantity = disposalQuantity.Sub(availableQuantity)
			proceedsAmount = proceedsAmount.Sub(availableQuantity.Mul(disposalPrice))

			// Matched units already sitting in the pool are pulled back out
			// at the pool's average cost; that cost follows the claim and
			// re-enters the pool when the acquisition date is processed. A
			// pool holding fewer units than the match contributes only what
			// it has, keeping the pool non-negative.
			pooledQuantity := decimal.Min(availableQuantity, currentQuantity)
			amountDelta := decimal.Zero
			if pooledQuantity.Sign() > 0 {
				currentPrice := currentAmount.Div(currentQuantity)
				amountDelta = pooledQuantity.Mul(currentPrice)
				currentQuantity = currentQuantity.Sub(pooledQuantity)
				currentAmount = currentAmount.Sub(amountDelta)
			}
			if currentQuantity.IsZero() {
				assertf(models.RoundDecimal(currentAmount, 23).IsZero(),
					"pool cost %s not zero at zero quantity", currentAmount)
			}
			c.bnbList.Add(searchIndex, symbol, availableQuantity, amountDelta, decimal.Zero)

			fees := disposal.Fees.Mul(availableQuantity).Div(originalDisposalQuantity)
			searchDate := searchIndex
			entries = append(entries, models.NewCalculationEntry(models.CalculationEntry{
				RuleType:            models.RuleBedAndBreakfast,
				Quantity:            availableQuantity,
				Amount:              bnbProceeds,
				Gain:                bnbGain,
				AllowableCost:       bnbAllowableCost,
				Fees:                fees,
				BedAndBreakfastDate: &searchDate,
				NewQuantity:         currentQuantity,
				NewPoolCost:         currentAmount,
			}))
		}
	}

	// Tier 3: Section 104 pool at average cost.
	if disposalQuantity.Sign() > 0 {
		assertf(!disposalQuantity.GreaterThan(currentQuantity),
			"disposal quantity %s exceeds pool quantity %s for %s",
			disposalQuantity, currentQuantity, symbol)
		allowableCost := currentAmount.Mul(disposalQuantity).Div(currentQuantity)
		section104Gain := proceedsAmount.Sub(allowableCost)
		chargeableGain = chargeableGain.Add(section104Gain)

		c.logger.WithFields(logger.Fields{
			"symbol":         symbol,
			"quantity":       disposalQuantity.String(),
			"gain":           section104Gain.StringFixed(2),
			"proceeds":       proceedsAmount.StringFixed(2),
			"allowable_cost": allowableCost.StringFixed(2),
		}).Debug("Section 104 match")

		currentQuantity = currentQuantity.Sub(disposalQuantity)
		currentAmount = currentAmount.Sub(allowableCost)
		if currentQuantity.IsZero() {
			assertf(models.RoundDecimal(currentAmount, 10).IsZero(),
				"pool cost %s not zero at zero quantity", currentAmount)
		}
		fees := disposal.Fees.Mul(disposalQuantity).Div(originalDisposalQuantity)
		entries = append(entries, models.NewCalculationEntry(models.CalculationEntry{
			RuleType:      models.RuleSection104,
			Quantity:      disposalQuantity,
			Amount:        proceedsAmount,
			Gain:          section104Gain,
			AllowableCost: allowableCost,
			Fees:          fees,
			NewQuantity:   currentQuantity,
			NewPoolCost:   currentAmount,
		}))
		disposalQuantity = decimal.Zero
	}

	assertf(models.RoundDecimal(disposalQuantity, 23).IsZero(),
		"unmatched disposal quantity %s for %s", disposalQuantity, symbol)
	c.portfolio[symbol] = models.Position{
		Quantity: currentQuantity,
		Amount:   currentAmount,
	}
	return models.RoundDecimal(chargeableGain, 2), entries, spinOffEntries
}

// calculationDates returns the ascending union of acquisition and disposal
// dates between the internal epoch and the tax year end.
func (c *Calculator) calculationDates(input *Input) []time.Time {
	seen := make(map[time.Time]bool)
	for date := range input.Acquisitions {
		if !date.Before(models.InternalStartDate) && !date.After(c.taxYearEnd) {
			seen[date] = true
		}
	}
	for date := range input.Disposals {
		if !date.Before(models.InternalStartDate) && !date.After(c.taxYearEnd) {
			seen[date] = true
		}
	}
	dates := make([]time.Time, 0, len(seen))
	for date := range seen {
		dates = append(dates, date)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

func sortedSymbols(entries map[string]models.TransactionData) []string {
	symbols := make([]string, 0, len(entries))
	for symbol := range entries {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// CalculateCapitalGain runs the matching pass and produces the tax year
// report. Transactions before the tax year are processed to build correct
// pool state but excluded from the report aggregates.
func (c *Calculator) CalculateCapitalGain(input *Input) *models.CapitalGainsReport {
	disposalCount := 0
	disposalProceeds := decimal.Zero
	allowableCosts := decimal.Zero
	capitalGain := decimal.Zero
	capitalLoss := decimal.Zero
	calculationLog := make(models.CalculationLog)
	c.portfolio = make(map[string]models.Position)
	c.bnbList = make(models.TransactionLog)

	for _, dateIndex := range c.calculationDates(input) {
		if symbols, ok := input.Acquisitions[dateIndex]; ok {
			for _, symbol := range sortedSymbols(symbols) {
				entries := c.processAcquisition(symbol, dateIndex, input)
				if !dateIndex.Before(c.taxYearStart) {
					calculationLog.Add(dateIndex, "buy$"+symbol, entries)
				}
			}
		}
		if symbols, ok := input.Disposals[dateIndex]; ok {
			for _, symbol := range sortedSymbols(symbols) {
				transactionGain, entries, spinOffEntries := c.processDisposal(symbol, dateIndex, input)
				if dateIndex.Before(c.taxYearStart) {
					continue
				}

				disposal := input.Disposals.Get(dateIndex, symbol)
				disposalCount++
				disposalProceeds = disposalProceeds.Add(disposal.Amount)
				allowableCosts = allowableCosts.Add(disposal.Amount.Sub(transactionGain))

				c.logger.WithFields(logger.Fields{
					"date":     models.FormatDate(dateIndex),
					"symbol":   symbol,
					"quantity": disposal.Quantity.String(),
					"gain":     transactionGain.StringFixed(2),
				}).Debug("Disposal")

				// The tiers must account for the disposal exactly.
				calculatedQuantity := decimal.Zero
				calculatedProceeds := decimal.Zero
				calculatedGain := decimal.Zero
				for _, entry := range entries {
					calculatedQuantity = calculatedQuantity.Add(entry.Quantity)
					calculatedProceeds = calculatedProceeds.Add(entry.Amount)
					calculatedGain = calculatedGain.Add(entry.Gain)
				}
				assertf(disposal.Quantity.Equal(calculatedQuantity),
					"disposal quantity %s != tier quantity total %s",
					disposal.Quantity, calculatedQuantity)
				assertf(models.RoundDecimal(disposal.Amount, 10).Equal(models.RoundDecimal(calculatedProceeds, 10)),
					"disposal proceeds %s != tier proceeds total %s",
					disposal.Amount, calculatedProceeds)
				assertf(transactionGain.Equal(models.RoundDecimal(calculatedGain, 2)),
					"chargeable gain %s != tier gain total %s",
					transactionGain, calculatedGain)

				calculationLog.Add(dateIndex, "sell$"+symbol, entries)
				if transactionGain.Sign() > 0 {
					capitalGain = capitalGain.Add(transactionGain)
				} else {
					capitalLoss = capitalLoss.Add(transactionGain)
				}
				for _, spinOffEntry := range spinOffEntries {
					spinOff := spinOffEntry.SpinOff
					assertf(spinOff != nil, "spin-off entry without descriptor")
					calculationLog.Add(spinOff.Date, "spin-off$"+spinOff.Source,
						[]models.CalculationEntry{spinOffEntry})
				}
			}
		}
	}

	c.logger.Info("Second pass completed")

	var allowance *decimal.Decimal
	if value, ok := capitalGainAllowances[c.config.TaxYear]; ok {
		amount := decimal.NewFromInt(value)
		allowance = &amount
	}

	symbols := make([]string, 0, len(c.portfolio))
	for symbol := range c.portfolio {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	portfolio := make([]models.PortfolioEntry, 0, len(symbols))
	for _, symbol := range symbols {
		position := c.portfolio[symbol]
		portfolio = append(portfolio, c.makePortfolioEntry(symbol, position))
	}

	return &models.CapitalGainsReport{
		TaxYear:              c.config.TaxYear,
		Portfolio:            portfolio,
		DisposalCount:        disposalCount,
		DisposalProceeds:     models.RoundDecimal(disposalProceeds, 2),
		AllowableCosts:       models.RoundDecimal(allowableCosts, 2),
		CapitalGain:          models.RoundDecimal(capitalGain, 2),
		CapitalLoss:          models.RoundDecimal(capitalLoss, 2),
		CapitalGainAllowance: allowance,
		CalculationLog:       calculationLog,
		ShowUnrealizedGains:  c.config.CalcUnrealizedGains,
	}
}

// makePortfolioEntry builds a report entry for one symbol, attaching the
// unrealized gains when enabled. A missing current price leaves the gains
// unknown rather than failing the run.
func (c *Calculator) makePortfolioEntry(symbol string, position models.Position) models.PortfolioEntry {
	var unrealized *decimal.Decimal
	if c.config.CalcUnrealizedGains {
		zero := decimal.Zero
		currentPrice := &zero
		if position.Quantity.Sign() > 0 {
			currentPrice = c.config.Prices.CurrentMarketPrice(symbol)
		}
		if currentPrice != nil {
			gains := currentPrice.Mul(position.Quantity).Sub(position.Amount)
			unrealized = &gains
		}
	}
	return models.PortfolioEntry{
		Symbol:          symbol,
		Quantity:        position.Quantity,
		Amount:          position.Amount,
		UnrealizedGains: unrealized,
	}
}
