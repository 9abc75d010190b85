package parsers

import (
	"sort"
	"strings"

	"uk-cgt-calculator/internal/models"
	"uk-cgt-calculator/pkg/logger"
)

// rawColumns are the required headers of the raw transaction format.
var rawColumns = []string{"date", "action", "symbol", "quantity", "price", "fees", "currency"}

// RawParser reads the broker-agnostic transaction format. Each record is a
// single event; the cash amount is derived from quantity, price and fees
// rather than being part of the file.
type RawParser struct {
	config *Config
	logger logger.Logger
}

// NewRawParser creates a raw transaction parser.
func NewRawParser(config *Config) *RawParser {
	if config == nil {
		config = DefaultConfig()
	}
	return &RawParser{
		config: config,
		logger: logger.GetGlobalLogger().WithComponent("raw_parser"),
	}
}

// ParseFile reads all transactions from the file, returned in ascending date
// order regardless of file order.
func (p *RawParser) ParseFile(path string) ([]*models.BrokerTransaction, error) {
	var transactions []*models.BrokerTransaction

	err := forEachRow(path, p.config, rawColumns, func(r *row) error {
		date, err := r.date("date", "2006-01-02")
		if err != nil {
			return err
		}
		action, ok := models.ParseActionType(strings.ToUpper(r.field("action")))
		if !ok {
			return r.invalid("action", nil)
		}
		quantity, err := r.optionalDecimal("quantity")
		if err != nil {
			return err
		}
		price, err := r.optionalDecimal("price")
		if err != nil {
			return err
		}
		fees, err := r.decimal("fees")
		if err != nil {
			return err
		}

		transaction := &models.BrokerTransaction{
			Date:     models.Normalize(date),
			Action:   action,
			Symbol:   r.field("symbol"),
			Quantity: quantity,
			Price:    price,
			Fees:     fees,
			Currency: r.field("currency"),
			Source:   models.SourceUnknown,
		}
		// The raw format carries no cash amount; derive it. Purchases are
		// outflows, everything else an inflow, with fees always paid out.
		if price != nil && quantity != nil {
			amount := price.Mul(*quantity)
			if action == models.ActionBuy {
				amount = amount.Abs().Neg()
			}
			amount = amount.Sub(fees)
			transaction.Amount = &amount
		}
		transactions = append(transactions, transaction)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(transactions, func(i, j int) bool {
		return transactions[i].Date.Before(transactions[j].Date)
	})

	p.logger.WithFields(logger.Fields{
		"file":         path,
		"transactions": len(transactions),
	}).Info("Parsed raw transactions")
	return transactions, nil
}
