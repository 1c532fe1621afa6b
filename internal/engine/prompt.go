package engine

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"notifyledger/internal/model"
)

const (
	ConfirmType        = "ledger_confirm"
	maxPromptSnippet   = 80
	confirmTitle       = "Confirm transaction"
	confirmIncomeTitle = "Confirm income"
)

// FormatAmount renders minor units as a two-decimal string.
func FormatAmount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func buildPrompt(c model.Candidate) (string, string) {
	title := confirmTitle
	if isIncome(c) {
		title = confirmIncomeTitle
	}
	subject := strings.TrimSpace(c.Merchant)
	if subject == "" {
		subject = strings.TrimSpace(c.RawContent)
	}
	if r := []rune(subject); len(r) > maxPromptSnippet {
		subject = string(r[:maxPromptSnippet]) + "…"
	}
	msg := fmt.Sprintf("%s via %s", FormatAmount(abs(c.AmountCents)), c.SourceApp)
	if subject != "" {
		msg += ": " + subject
	}
	return title, msg
}

func isIncome(c model.Candidate) bool {
	content := NormalizeContent(c.Content())
	return containsAny(content, []string{"收款", "到账", "入账", "received", "credited", "refund"})
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
