package ledger

import (
	"fmt"
	"testing"
	"time"

	"uk-cgt-calculator/internal/models"
	"uk-cgt-calculator/pkg/errors"

	"github.com/shopspring/decimal"
)

func dec(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		panic(err)
	}
	return d
}

func ptr(value string) *decimal.Decimal {
	d := dec(value)
	return &d
}

// identityConverter treats every amount as already being GBP.
type identityConverter struct{}

func (identityConverter) ToGBPFor(amount decimal.Decimal, _ *models.BrokerTransaction) (decimal.Decimal, error) {
	return amount, nil
}

type staticPrices map[string]decimal.Decimal

func (s staticPrices) ClosingPrice(symbol string, date time.Time) (decimal.Decimal, error) {
	price, ok := s[symbol]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

type staticResolver map[string]string

func (s staticResolver) Source(dest string, _ time.Time, _ map[string]models.Position) (string, error) {
	source, ok := s[dest]
	if !ok {
		return "", fmt.Errorf("unknown spin-off destination %s", dest)
	}
	return source, nil
}

type staticInitialPrices map[string]decimal.Decimal

func (s staticInitialPrices) Get(_ time.Time, symbol string) (decimal.Decimal, error) {
	price, ok := s[symbol]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("no initial price for %s", symbol)
	}
	return price, nil
}

func testConfig() Config {
	return Config{
		TaxYear:   2023,
		Converter: identityConverter{},
	}
}

func transfer(date time.Time, amount string) *models.BrokerTransaction {
	return &models.BrokerTransaction{
		Date:     date,
		Action:   models.ActionTransfer,
		Amount:   ptr(amount),
		Currency: "GBP",
		Source:   models.SourceSchwabIndividual,
	}
}

func buy(date time.Time, symbol, quantity, price, fees, amount string) *models.BrokerTransaction {
	return &models.BrokerTransaction{
		Date:     date,
		Action:   models.ActionBuy,
		Symbol:   symbol,
		Quantity: ptr(quantity),
		Price:    ptr(price),
		Fees:     dec(fees),
		Amount:   ptr(amount),
		Currency: "GBP",
		Source:   models.SourceSchwabIndividual,
	}
}

func sell(date time.Time, symbol, quantity, price, fees, amount string) *models.BrokerTransaction {
	transaction := buy(date, symbol, quantity, price, fees, amount)
	transaction.Action = models.ActionSell
	return transaction
}

func TestBuyAndSellAggregation(t *testing.T) {
	day := models.Date(2023, time.June, 1)
	sellDay := models.Date(2023, time.July, 1)
	builder := NewBuilder(testConfig())
	summary, err := builder.FromBrokerTransactions([]*models.BrokerTransaction{
		transfer(day, "10000"),
		buy(day, "FOO", "100", "10", "5", "-1005"),
		sell(sellDay, "FOO", "40", "15", "2", "598"),
	})
	if err != nil {
		t.Fatalf("FromBrokerTransactions failed: %v", err)
	}

	acquisition := builder.Acquisitions.Get(day, "FOO")
	if !acquisition.Quantity.Equal(dec("100")) || !acquisition.Amount.Equal(dec("1005")) {
		t.Errorf("acquisition = %s shares at %s, want 100 at 1005",
			acquisition.Quantity, acquisition.Amount)
	}
	if !acquisition.Fees.Equal(dec("5")) {
		t.Errorf("acquisition fees = %s, want 5", acquisition.Fees)
	}

	disposal := builder.Disposals.Get(sellDay, "FOO")
	if !disposal.Quantity.Equal(dec("40")) || !disposal.Amount.Equal(dec("598")) {
		t.Errorf("disposal = %s shares at %s, want 40 at 598",
			disposal.Quantity, disposal.Amount)
	}

	if !summary.DisposalProceeds.Equal(dec("598")) {
		t.Errorf("disposal proceeds = %s, want 598", summary.DisposalProceeds)
	}
	if !builder.Portfolio["FOO"].Quantity.Equal(dec("60")) {
		t.Errorf("remaining position = %s, want 60", builder.Portfolio["FOO"].Quantity)
	}
}

func TestSameDayPurchasesAggregate(t *testing.T) {
	day := models.Date(2023, time.June, 1)
	builder := NewBuilder(testConfig())
	_, err := builder.FromBrokerTransactions([]*models.BrokerTransaction{
		buy(day, "FOO", "10", "10", "0", "-100"),
		buy(day, "FOO", "5", "12", "1", "-61"),
	})
	if err != nil {
		t.Fatalf("FromBrokerTransactions failed: %v", err)
	}
	acquisition := builder.Acquisitions.Get(day, "FOO")
	if !acquisition.Quantity.Equal(dec("15")) {
		t.Errorf("aggregated quantity = %s, want 15", acquisition.Quantity)
	}
	if !acquisition.Amount.Equal(dec("161")) {
		t.Errorf("aggregated amount = %s, want 161", acquisition.Amount)
	}
	if !acquisition.Fees.Equal(dec("1")) {
		t.Errorf("aggregated fees = %s, want 1", acquisition.Fees)
	}
}

func TestSellNotOwned(t *testing.T) {
	builder := NewBuilder(testConfig())
	_, err := builder.FromBrokerTransactions([]*models.BrokerTransaction{
		sell(models.Date(2023, time.June, 1), "FOO", "10", "10", "0", "100"),
	})
	if !errors.IsCode(err, errors.CodeInvalidTransaction) {
		t.Errorf("got %v, want invalid_transaction", err)
	}
}

func TestSellMoreThanHeld(t *testing.T) {
	day := models.Date(2023, time.June, 1)
	builder := NewBuilder(testConfig())
	_, err := builder.FromBrokerTransactions([]*models.BrokerTransaction{
		buy(day, "FOO", "10", "10", "0", "-100"),
		sell(models.Date(2023, time.July, 1), "FOO", "20", "10", "0", "200"),
	})
	if !errors.IsCode(err, errors.CodeInvalidTransaction) {
		t.Errorf("got %v, want invalid_transaction", err)
	}
}

func TestAmountDiscrepancy(t *testing.T) {
	day := models.Date(2023, time.June, 1)
	builder := NewBuilder(testConfig())
	_, err := builder.FromBrokerTransactions([]*models.BrokerTransaction{
		buy(day, "FOO", "100", "10", "5", "-1100"),
	})
	if !errors.IsCode(err, errors.CodeAmountDiscrepancy) {
		t.Errorf("got %v, want amount_discrepancy", err)
	}
}

func TestAmountWithinTolerance(t *testing.T) {
	// Brokers round the cash value, so a 5p divergence is accepted.
	day := models.Date(2023, time.June, 1)
	builder := NewBuilder(testConfig())
	_, err := builder.FromBrokerTransactions([]*models.BrokerTransaction{
		buy(day, "FOO", "100", "10", "5", "-1005.05"),
	})
	if err != nil {
		t.Fatalf("FromBrokerTransactions failed: %v", err)
	}
	acquisition := builder.Acquisitions.Get(day, "FOO")
	if !acquisition.Amount.Equal(dec("1005.05")) {
		t.Errorf("acquisition amount = %s, want reported 1005.05", acquisition.Amount)
	}
}

func TestMissingAmount(t *testing.T) {
	transaction := buy(models.Date(2023, time.June, 1), "FOO", "10", "10", "0", "-100")
	transaction.Amount = nil
	builder := NewBuilder(testConfig())
	_, err := builder.FromBrokerTransactions([]*models.BrokerTransaction{transaction})
	if !errors.IsCode(err, errors.CodeAmountMissing) {
		t.Errorf("got %v, want amount_missing", err)
	}
}

func TestNegativeBalanceDetected(t *testing.T) {
	config := testConfig()
	config.BalanceCheck = true
	builder := NewBuilder(config)
	_, err := builder.FromBrokerTransactions([]*models.BrokerTransaction{
		buy(models.Date(2023, time.June, 1), "FOO", "10", "10", "0", "-100"),
	})
	if !errors.IsCode(err, errors.CodeNegativeBalance) {
		t.Errorf("got %v, want negative_balance", err)
	}
}

func TestBalancesTrackedPerBrokerAndCurrency(t *testing.T) {
	day := models.Date(2023, time.June, 1)
	usdTransfer := transfer(day, "500")
	usdTransfer.Currency = "USD"
	mssbTransfer := transfer(day, "300")
	mssbTransfer.Source = models.SourceMSSBRelease

	builder := NewBuilder(testConfig())
	summary, err := builder.FromBrokerTransactions([]*models.BrokerTransaction{
		transfer(day, "1000"),
		usdTransfer,
		mssbTransfer,
	})
	if err != nil {
		t.Fatalf("FromBrokerTransactions failed: %v", err)
	}
	if len(summary.Balances) != 3 {
		t.Fatalf("got %d balances, want 3", len(summary.Balances))
	}
	gbp := summary.Balances[BalanceKey{Broker: models.BrokerSchwab, Currency: "GBP"}]
	if !gbp.Equal(dec("1000")) {
		t.Errorf("Schwab GBP balance = %s, want 1000", gbp)
	}
}

func TestFeeBecomesZeroQuantityAcquisition(t *testing.T) {
	day := models.Date(2023, time.June, 1)
	builder := NewBuilder(testConfig())
	_, err := builder.FromBrokerTransactions([]*models.BrokerTransaction{
		transfer(day, "100"),
		{
			Date:     day,
			Action:   models.ActionFee,
			Symbol:   "FOO",
			Amount:   ptr("-30"),
			Currency: "GBP",
			Source:   models.SourceSchwabIndividual,
		},
	})
	if err != nil {
		t.Fatalf("FromBrokerTransactions failed: %v", err)
	}
	acquisition := builder.Acquisitions.Get(day, "FOO")
	if !acquisition.Quantity.IsZero() {
		t.Errorf("fee acquisition quantity = %s, want 0", acquisition.Quantity)
	}
	if !acquisition.Amount.Equal(dec("30")) || !acquisition.Fees.Equal(dec("30")) {
		t.Errorf("fee acquisition amount/fees = %s/%s, want 30/30",
			acquisition.Amount, acquisition.Fees)
	}
}

func TestStockActivityUsesInitialPrice(t *testing.T) {
	day := models.Date(2023, time.June, 1)
	config := testConfig()
	config.InitialPrices = staticInitialPrices{"FOO": dec("5")}
	builder := NewBuilder(config)
	_, err := builder.FromBrokerTransactions([]*models.BrokerTransaction{
		{
			Date:     day,
			Action:   models.ActionStockActivity,
			Symbol:   "FOO",
			Quantity: ptr("10"),
			Currency: "GBP",
			Source:   models.SourceSchwabAwards,
		},
	})
	if err != nil {
		t.Fatalf("FromBrokerTransactions failed: %v", err)
	}
	acquisition := builder.Acquisitions.Get(day, "FOO")
	if !acquisition.Amount.Equal(dec("50")) {
		t.Errorf("vesting amount = %s, want 50", acquisition.Amount)
	}
}

func TestSpinOffQueuesCostAdjustment(t *testing.T) {
	buyDay := models.Date(2023, time.May, 1)
	spinOffDay := models.Date(2023, time.August, 1)
	config := testConfig()
	config.Prices = staticPrices{"SOLV": dec("10"), "MMM": dec("9")}
	config.SpinOffResolver = staticResolver{"SOLV": "MMM"}
	builder := NewBuilder(config)
	_, err := builder.FromBrokerTransactions([]*models.BrokerTransaction{
		transfer(buyDay, "1000"),
		buy(buyDay, "MMM", "100", "10", "0", "-1000"),
		{
			Date:     spinOffDay,
			Action:   models.ActionSpinOff,
			Symbol:   "SOLV",
			Quantity: ptr("10"),
			Currency: "GBP",
			Source:   models.SourceSchwabIndividual,
		},
	})
	if err != nil {
		t.Fatalf("FromBrokerTransactions failed: %v", err)
	}

	queued, ok := builder.SpinOffs[spinOffDay]
	if !ok || len(queued) != 1 {
		t.Fatalf("spin-off queue = %+v, want one record on %s", builder.SpinOffs,
			models.FormatDate(spinOffDay))
	}
	if queued[0].Source != "MMM" || queued[0].Dest != "SOLV" {
		t.Errorf("spin-off = %s -> %s, want MMM -> SOLV", queued[0].Source, queued[0].Dest)
	}
	// Source holding worth 900 against 100 of new shares keeps 90% of the
	// original cost.
	if !queued[0].CostProportion.Equal(dec("0.9")) {
		t.Errorf("cost proportion = %s, want 0.9", queued[0].CostProportion)
	}

	acquisition := builder.Acquisitions.Get(spinOffDay, "SOLV")
	if !acquisition.Quantity.Equal(dec("10")) || !acquisition.Amount.Equal(dec("100")) {
		t.Errorf("spin-off acquisition = %s shares at %s, want 10 at 100",
			acquisition.Quantity, acquisition.Amount)
	}
}

func TestIncomeTotalsRespectTaxYear(t *testing.T) {
	inYear := models.Date(2023, time.June, 1)
	before := models.Date(2023, time.March, 1)
	builder := NewBuilder(testConfig())
	dividend := func(date time.Time, amount string) *models.BrokerTransaction {
		return &models.BrokerTransaction{
			Date:     date,
			Action:   models.ActionDividend,
			Symbol:   "FOO",
			Amount:   ptr(amount),
			Currency: "GBP",
			Source:   models.SourceSchwabIndividual,
		}
	}
	tax := dividend(inYear, "-15")
	tax.Action = models.ActionTax
	interest := dividend(inYear, "7")
	interest.Action = models.ActionInterest

	summary, err := builder.FromBrokerTransactions([]*models.BrokerTransaction{
		dividend(before, "100"),
		dividend(inYear, "50"),
		tax,
		interest,
	})
	if err != nil {
		t.Fatalf("FromBrokerTransactions failed: %v", err)
	}
	if !summary.Dividends.Equal(dec("50")) {
		t.Errorf("dividends = %s, want 50 (pre tax year excluded)", summary.Dividends)
	}
	if !summary.DividendTaxes.Equal(dec("-15")) {
		t.Errorf("dividend taxes = %s, want -15", summary.DividendTaxes)
	}
	if !summary.Interest.Equal(dec("7")) {
		t.Errorf("interest = %s, want 7", summary.Interest)
	}
}

func TestUnsupportedActionIgnored(t *testing.T) {
	builder := NewBuilder(testConfig())
	_, err := builder.FromBrokerTransactions([]*models.BrokerTransaction{
		{
			Date:     models.Date(2023, time.June, 1),
			Action:   models.ActionReinvestDividends,
			Symbol:   "FOO",
			Currency: "GBP",
			Source:   models.SourceSchwabIndividual,
		},
	})
	if err != nil {
		t.Errorf("reinvest dividends should be skipped, got %v", err)
	}
}
