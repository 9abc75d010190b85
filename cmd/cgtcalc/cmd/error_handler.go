package cmd

import (
	"fmt"
	"os"

	"uk-cgt-calculator/pkg/errors"
	"uk-cgt-calculator/pkg/logger"

	"github.com/spf13/viper"
)

// CLIErrorHandler renders errors for the terminal and maps them to exit
// codes.
type CLIErrorHandler struct {
	logger  logger.Logger
	verbose bool
}

// NewCLIErrorHandler creates a new CLI error handler
func NewCLIErrorHandler() *CLIErrorHandler {
	return &CLIErrorHandler{
		logger:  logger.GetGlobalLogger().WithComponent("cli"),
		verbose: viper.GetBool("verbose"),
	}
}

// HandleError prints a user-friendly rendering of the error and returns the
// process exit code.
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	h.logger.WithError(err).Error("Command failed")

	if cgtErr, ok := errors.AsCGTError(err); ok {
		return h.handleCGTError(cgtErr)
	}
	return h.handleGenericError(err)
}

func (h *CLIErrorHandler) handleCGTError(err *errors.CGTError) int {
	fmt.Fprintf(os.Stderr, "Error: %s\n", err.Message)

	if len(err.Context) > 0 {
		fmt.Fprintf(os.Stderr, "\nContext:\n")
		for key, value := range err.Context {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", key, value)
		}
	}

	if err.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", err.Suggestion)
	}

	if help := h.getCategoryHelp(err.Category); help != "" {
		fmt.Fprintf(os.Stderr, "\n%s\n", help)
	}

	if h.verbose && err.Cause != nil {
		fmt.Fprintf(os.Stderr, "\nUnderlying error: %v\n", err.Cause)
	}

	return err.GetExitCode()
}

func (h *CLIErrorHandler) handleGenericError(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if !h.verbose {
		fmt.Fprintf(os.Stderr, "Run with --verbose for more details\n")
	}
	return 1
}

func (h *CLIErrorHandler) getCategoryHelp(category errors.ErrorCategory) string {
	switch category {
	case errors.CategoryFile:
		return `File error help:
• Check if the file exists and is readable
• Verify the file path is correct (use absolute paths if needed)
• Ensure you have proper permissions to access the file`

	case errors.CategoryParse:
		return `Parse error help:
• Verify the CSV file format and structure
• Check that all required columns are present with correct headers
• Look at the named line for malformed values`

	case errors.CategoryValidation:
		return `Validation error help:
• Check the named transaction in the broker export
• Verify dates are in ascending order across all inputs
• Make sure every sale is covered by an earlier purchase or transfer`

	case errors.CategoryRates:
		return `Market data help:
• Exchange rates: provide a monthly rate file per currency in the
  exchange rates directory
• Prices: add the missing symbol or date to the prices file
• Spin-offs: map the new symbol to its source in the spin-offs file`

	case errors.CategoryCalculation:
		return `Calculation error help:
• Check the transactions around the date named in the error
• Verify transfers and fees are recorded so balances stay non-negative
• Use --balance-check=false if the export genuinely omits cash movements`

	default:
		return ""
	}
}
