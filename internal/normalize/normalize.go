package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"notifyledger/internal/config"
	"notifyledger/internal/model"
)

// EventFields are the raw string fields pulled out of one ingested record.
type EventFields struct {
	ID           string
	SourceApp    string
	Title        string
	Content      string
	Amount       string
	AmountCents  string
	Merchant     string
	Confidence   string
	GroupSummary string
	Timestamp    string
	Extras       map[string]string
	Raw          string
}

func Normalize(fields EventFields, cfg *config.Config) (model.Candidate, error) {
	app := strings.TrimSpace(fields.SourceApp)
	if app == "" {
		app = cfg.Ingest.Parser.DefaultSourceApp
	}

	loc := time.UTC
	if cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}

	ts := time.Now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.Candidate{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	content := strings.TrimSpace(fields.Content)
	title := strings.TrimSpace(fields.Title)
	if content == "" && title == "" {
		return model.Candidate{}, errors.New("empty notification content")
	}

	cents, err := resolveAmount(fields, title+" "+content)
	if err != nil {
		return model.Candidate{}, err
	}

	confidence := 0.0
	if v := strings.TrimSpace(fields.Confidence); v != "" {
		confidence, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return model.Candidate{}, fmt.Errorf("parse confidence: %w", err)
		}
	}

	return model.Candidate{
		ID:             strings.TrimSpace(fields.ID),
		SourceApp:      app,
		Title:          title,
		RawContent:     content,
		AmountCents:    cents,
		Merchant:       strings.TrimSpace(fields.Merchant),
		Confidence:     confidence,
		IsGroupSummary: ParseBool(fields.GroupSummary),
		ObservedAt:     ts,
		Source:         "log",
	}, nil
}

func resolveAmount(fields EventFields, text string) (int64, error) {
	if v := strings.TrimSpace(fields.AmountCents); v != "" {
		cents, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse amount_cents: %w", err)
		}
		return cents, nil
	}
	if v := strings.TrimSpace(fields.Amount); v != "" {
		return ParseAmountCents(v)
	}
	cents, _ := ExtractAmountCents(text)
	return cents, nil
}

var (
	amountReplacer = strings.NewReplacer("¥", "", "￥", "", "$", "", "€", "", "£", "", "元", "", ",", "", "，", "", " ", "")
	reAmount       = regexp.MustCompile(`(?:[¥￥$€£]\s*(-?\d[\d,]*(?:\.\d{1,2})?))|(?:(-?\d[\d,]*\.\d{1,2})\s*元?)|(?:(-?\d[\d,]*)\s*元)`)
)

// ParseAmountCents converts a decimal major-unit amount ("12.50", "¥1,299")
// into minor units, rounding half away from zero.
func ParseAmountCents(value string) (int64, error) {
	clean := amountReplacer.Replace(strings.TrimSpace(value))
	if clean == "" {
		return 0, errors.New("empty amount")
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", value, err)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

// ExtractAmountCents finds the first currency-looking amount in free text.
func ExtractAmountCents(text string) (int64, bool) {
	m := reAmount.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	for _, g := range m[1:] {
		if g == "" {
			continue
		}
		cents, err := ParseAmountCents(g)
		if err != nil {
			return 0, false
		}
		return cents, true
	}
	return 0, false
}

func ParseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006/01/02 15:04:05",
	"2006-01-02 15:04",
}

// ParseTimestamp accepts RFC3339 variants, local wall-clock layouts and unix
// seconds or milliseconds.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
