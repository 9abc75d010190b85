// Package errors defines the error types shared by the capital gains
// calculator.
//
// All failures surface as a *CGTError carrying a category, a specific code,
// a human-readable message and optional structured context. Categories map
// to process exit codes so the CLI can distinguish bad input files from bad
// data from missing market data.
//
// The error taxonomy follows three tiers:
//   - input data errors (missing fields, impossible disposals, unbalanced
//     accounts): the run aborts with a transaction-scoped message
//   - external lookup gaps (exchange rates, market prices): the run aborts
//     unless the lookup is explicitly best-effort
//   - internal consistency faults are NOT represented here; the calculator
//     treats those as bugs and panics
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCategory groups errors by the subsystem that produced them.
type ErrorCategory string

const (
	CategoryFile        ErrorCategory = "file"
	CategoryParse       ErrorCategory = "parse"
	CategoryValidation  ErrorCategory = "validation"
	CategoryRates       ErrorCategory = "rates"
	CategoryCalculation ErrorCategory = "calculation"
	CategoryInternal    ErrorCategory = "internal"
)

// ErrorCode identifies a specific failure within a category.
type ErrorCode string

const (
	// File errors
	CodeFileNotFound   ErrorCode = "file_not_found"
	CodeFileUnreadable ErrorCode = "file_unreadable"

	// Parse errors
	CodeInvalidFormat ErrorCode = "invalid_format"
	CodeInvalidData   ErrorCode = "invalid_data"
	CodeMissingColumn ErrorCode = "missing_column"

	// Validation errors (transaction-scoped)
	CodeAmountMissing       ErrorCode = "amount_missing"
	CodePriceMissing        ErrorCode = "price_missing"
	CodeSymbolMissing       ErrorCode = "symbol_missing"
	CodeQuantityNotPositive ErrorCode = "quantity_not_positive"
	CodeAmountDiscrepancy   ErrorCode = "amount_discrepancy"
	CodeInvalidTransaction  ErrorCode = "invalid_transaction"

	// Rates / market data errors
	CodeExchangeRateMissing  ErrorCode = "exchange_rate_missing"
	CodeMarketPriceMissing   ErrorCode = "market_price_missing"
	CodeInitialPriceMissing  ErrorCode = "initial_price_missing"
	CodeSpinOffSourceUnknown ErrorCode = "spin_off_source_unknown"

	// Calculation errors
	CodeNegativeBalance ErrorCode = "negative_balance"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
)

// CGTError is the error type for all recoverable application failures.
type CGTError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context carries additional key/value information about the error.
type Context map[string]interface{}

// Error implements the error interface.
func (e *CGTError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", e.Message, e.Suggestion)
	}
	return e.Message
}

// Unwrap returns the underlying cause error.
func (e *CGTError) Unwrap() error {
	return e.Cause
}

// GetExitCode returns the process exit code for the error.
func (e *CGTError) GetExitCode() int {
	switch e.Category {
	case CategoryFile:
		return 2
	case CategoryParse, CategoryValidation:
		return 3
	case CategoryRates:
		return 4
	case CategoryCalculation, CategoryInternal:
		return 5
	default:
		return 1
	}
}

// WithContext adds context information to the error.
func (e *CGTError) WithContext(key string, value interface{}) *CGTError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error.
func (e *CGTError) WithSuggestion(suggestion string) *CGTError {
	e.Suggestion = suggestion
	return e
}

// New creates a new CGTError.
func New(category ErrorCategory, code ErrorCode, message string) *CGTError {
	return &CGTError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with CGTError context.
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *CGTError {
	if err == nil {
		return nil
	}
	return &CGTError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

// stackTracer extracts stack traces from github.com/pkg/errors values.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// FileError reports a problem accessing an input file.
func FileError(code ErrorCode, path string, err error) *CGTError {
	var message, suggestion string
	switch code {
	case CodeFileNotFound:
		message = fmt.Sprintf("file not found: %s", path)
		suggestion = "check if the file path is correct and the file exists"
	default:
		message = fmt.Sprintf("cannot read file: %s", path)
		suggestion = "check file permissions and encoding"
	}

	var result *CGTError
	if err != nil {
		result = Wrap(err, CategoryFile, code, message)
	} else {
		result = New(CategoryFile, code, message)
	}
	return result.
		WithSuggestion(suggestion).
		WithContext("file_path", path)
}

// ParseError reports invalid data at a specific line of an input file.
func ParseError(code ErrorCode, file string, line int, field, value string, err error) *CGTError {
	var message, suggestion string
	switch code {
	case CodeMissingColumn:
		message = fmt.Sprintf("missing required column '%s' in file %s", field, file)
		suggestion = "verify the file has all required columns with correct headers"
	default:
		message = fmt.Sprintf("invalid data in file %s at line %d, field '%s': '%s'", file, line, field, value)
		suggestion = "correct the data format or remove the invalid entry"
	}

	var result *CGTError
	if err != nil {
		result = Wrap(err, CategoryParse, code, message)
	} else {
		result = New(CategoryParse, code, message)
	}
	return result.
		WithSuggestion(suggestion).
		WithContext("file", file).
		WithContext("line", line).
		WithContext("field", field).
		WithContext("value", value)
}

// TransactionError reports an invalid broker transaction. The transaction
// argument is the formatted transaction the error is scoped to.
func TransactionError(code ErrorCode, transaction string, detail string) *CGTError {
	var message, suggestion string
	switch code {
	case CodeAmountMissing:
		message = fmt.Sprintf("amount missing in transaction: %s", transaction)
		suggestion = "ensure the broker export includes an amount for this row"
	case CodePriceMissing:
		message = fmt.Sprintf("price missing in transaction: %s", transaction)
		suggestion = "ensure the broker export includes a price for this row"
	case CodeSymbolMissing:
		message = fmt.Sprintf("symbol missing in transaction: %s", transaction)
		suggestion = "ensure the broker export includes a symbol for this row"
	case CodeQuantityNotPositive:
		message = fmt.Sprintf("quantity is not positive in transaction: %s", transaction)
		suggestion = "quantities must be strictly positive for share transactions"
	case CodeAmountDiscrepancy:
		message = fmt.Sprintf("amount mismatch in transaction (%s): %s", detail, transaction)
		suggestion = "the reported amount diverges from quantity*price with fees beyond tolerance; check the broker data"
	default:
		message = fmt.Sprintf("invalid transaction (%s): %s", detail, transaction)
		suggestion = "check the transaction ordering and data"
	}

	result := New(CategoryValidation, code, message)
	if detail != "" {
		result = result.WithContext("detail", detail)
	}
	return result.
		WithSuggestion(suggestion).
		WithContext("transaction", transaction)
}

// ExchangeRateError reports a missing monthly exchange rate.
func ExchangeRateError(currency string, date string) *CGTError {
	return New(CategoryRates, CodeExchangeRateMissing,
		fmt.Sprintf("no exchange rate for %s on %s", currency, date)).
		WithSuggestion("add the month to the exchange rates data directory").
		WithContext("currency", currency).
		WithContext("date", date)
}

// MarketPriceError reports a missing market price for a symbol/date.
func MarketPriceError(code ErrorCode, symbol string, date string) *CGTError {
	return New(CategoryRates, code,
		fmt.Sprintf("no market price for %s on %s", symbol, date)).
		WithSuggestion("add the price to the prices file").
		WithContext("symbol", symbol).
		WithContext("date", date)
}

// BalanceError reports a negative running cash balance for a broker/currency
// pair. The history argument lists the transactions processed so far with the
// balance after each one.
func BalanceError(broker, currency, balance, history string) *CGTError {
	message := fmt.Sprintf(
		"reached a negative balance (%s) for broker '%s' (%s) after processing the following transactions:\n%s",
		balance, broker, currency, history)
	return New(CategoryCalculation, CodeNegativeBalance, message).
		WithSuggestion("check for missing deposits or disable the balance check").
		WithContext("broker", broker).
		WithContext("currency", currency)
}

// GetErrorCategory extracts the category from an error, if it is a CGTError.
func GetErrorCategory(err error) (ErrorCategory, bool) {
	var cgtErr *CGTError
	if errors.As(err, &cgtErr) {
		return cgtErr.Category, true
	}
	return "", false
}

// AsCGTError extracts a CGTError from an error chain.
func AsCGTError(err error) (*CGTError, bool) {
	var cgtErr *CGTError
	if errors.As(err, &cgtErr) {
		return cgtErr, true
	}
	return nil, false
}

// GetExitCode returns the appropriate exit code for any error.
func GetExitCode(err error) int {
	var cgtErr *CGTError
	if errors.As(err, &cgtErr) {
		return cgtErr.GetExitCode()
	}
	return 1
}

// IsCode reports whether err is a CGTError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var cgtErr *CGTError
	if errors.As(err, &cgtErr) {
		return cgtErr.Code == code
	}
	return false
}
