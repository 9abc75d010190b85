package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(CategoryValidation, CodeAmountMissing, "test message")

	if err.Category != CategoryValidation {
		t.Errorf("Expected category %s, got %s", CategoryValidation, err.Category)
	}
	if err.Code != CodeAmountMissing {
		t.Errorf("Expected code %s, got %s", CodeAmountMissing, err.Code)
	}
	if err.Message != "test message" {
		t.Errorf("Expected message 'test message', got '%s'", err.Message)
	}
	if err.StackTrace == nil {
		t.Error("Expected stack trace to be captured")
	}
}

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("underlying failure")
	err := Wrap(cause, CategoryFile, CodeFileUnreadable, "wrapped message")

	if err.Cause != cause {
		t.Error("Expected cause to be preserved")
	}
	if err.Unwrap() != cause {
		t.Error("Expected Unwrap to return the cause")
	}

	if Wrap(nil, CategoryFile, CodeFileUnreadable, "no-op") != nil {
		t.Error("Expected wrapping nil to return nil")
	}
}

func TestErrorWithSuggestion(t *testing.T) {
	err := New(CategoryParse, CodeInvalidData, "bad row").WithSuggestion("fix the row")

	msg := err.Error()
	if !strings.Contains(msg, "bad row") {
		t.Errorf("Expected message in error string, got '%s'", msg)
	}
	if !strings.Contains(msg, "suggestion: fix the row") {
		t.Errorf("Expected suggestion in error string, got '%s'", msg)
	}
}

func TestWithContext(t *testing.T) {
	err := New(CategoryRates, CodeExchangeRateMissing, "no rate").
		WithContext("currency", "USD").
		WithContext("date", "2023-07-01")

	if err.Context["currency"] != "USD" {
		t.Errorf("Expected currency context, got %v", err.Context["currency"])
	}
	if err.Context["date"] != "2023-07-01" {
		t.Errorf("Expected date context, got %v", err.Context["date"])
	}
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name     string
		category ErrorCategory
		expected int
	}{
		{"file error", CategoryFile, 2},
		{"parse error", CategoryParse, 3},
		{"validation error", CategoryValidation, 3},
		{"rates error", CategoryRates, 4},
		{"calculation error", CategoryCalculation, 5},
		{"internal error", CategoryInternal, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.category, CodeUnexpectedError, "test")
			if got := err.GetExitCode(); got != tt.expected {
				t.Errorf("Expected exit code %d, got %d", tt.expected, got)
			}
		})
	}

	if GetExitCode(fmt.Errorf("plain error")) != 1 {
		t.Error("Expected exit code 1 for non-CGT errors")
	}
}

func TestTransactionError(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		contains string
	}{
		{CodeAmountMissing, "amount missing"},
		{CodePriceMissing, "price missing"},
		{CodeSymbolMissing, "symbol missing"},
		{CodeQuantityNotPositive, "quantity is not positive"},
		{CodeAmountDiscrepancy, "amount mismatch"},
		{CodeInvalidTransaction, "invalid transaction"},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := TransactionError(tt.code, "2023-07-01 BUY FOO", "detail")
			if !strings.Contains(err.Message, tt.contains) {
				t.Errorf("Expected message to contain '%s', got '%s'", tt.contains, err.Message)
			}
			if err.Category != CategoryValidation {
				t.Errorf("Expected validation category, got %s", err.Category)
			}
			if err.Context["transaction"] != "2023-07-01 BUY FOO" {
				t.Error("Expected transaction context to be set")
			}
		})
	}
}

func TestExchangeRateError(t *testing.T) {
	err := ExchangeRateError("USD", "2023-07-05")

	if err.Code != CodeExchangeRateMissing {
		t.Errorf("Expected code %s, got %s", CodeExchangeRateMissing, err.Code)
	}
	if !strings.Contains(err.Message, "USD") || !strings.Contains(err.Message, "2023-07-05") {
		t.Errorf("Expected currency and date in message, got '%s'", err.Message)
	}
}

func TestIsCode(t *testing.T) {
	err := ExchangeRateError("USD", "2023-07-05")

	if !IsCode(err, CodeExchangeRateMissing) {
		t.Error("Expected IsCode to match the error code")
	}
	if IsCode(err, CodeAmountMissing) {
		t.Error("Expected IsCode to reject a different code")
	}
	if IsCode(fmt.Errorf("plain"), CodeAmountMissing) {
		t.Error("Expected IsCode to reject non-CGT errors")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if !IsCode(wrapped, CodeExchangeRateMissing) {
		t.Error("Expected IsCode to unwrap nested errors")
	}
}

func TestGetErrorCategory(t *testing.T) {
	err := BalanceError("Schwab", "USD", "-12.30", "history")

	category, ok := GetErrorCategory(err)
	if !ok {
		t.Fatal("Expected category to be extracted")
	}
	if category != CategoryCalculation {
		t.Errorf("Expected calculation category, got %s", category)
	}

	if _, ok := GetErrorCategory(fmt.Errorf("plain")); ok {
		t.Error("Expected no category for non-CGT errors")
	}
}
