package ingest

import (
	"encoding/csv"
	"errors"
	"regexp"
	"strings"
	"sync"

	"notifyledger/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}[-/][0-9]{2}[-/][0-9]{2}[ T][0-9:.+\-Z]+)`)
	reKV        = regexp.MustCompile(`(?i)\b([a-z_]+)=("[^"]*"|\S+)`)
)

var fieldAliases = map[string][]string{
	"id":            {"id", "notification_id", "key", "notification_key"},
	"source_app":    {"source_app", "app", "package", "package_name", "pkg"},
	"title":         {"title"},
	"content":       {"content", "raw_content", "text", "body", "message"},
	"amount":        {"amount"},
	"amount_cents":  {"amount_cents", "cents"},
	"merchant":      {"merchant", "payee", "counterparty"},
	"confidence":    {"confidence", "score"},
	"group_summary": {"group_summary", "is_group_summary", "summary"},
	"timestamp":     {"timestamp", "time", "ts", "observed_at", "post_time"},
}

type Parser struct {
	mu  sync.Mutex
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine accepts a JSON object, a CSV row (after an optional header) or a
// plain line of key=value pairs around free text. It returns nil, nil for
// blank lines and CSV headers.
func (p *Parser) ParseLine(line string) (*normalize.EventFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if fields, err := ParseJSONBytes([]byte(trim)); err == nil {
			fields.Raw = line
			return fields, nil
		}
	}
	if strings.Contains(trim, ",") && !reKV.MatchString(trim) {
		p.mu.Lock()
		fields, err := p.csv.Parse(trim)
		p.mu.Unlock()
		if err == nil {
			if fields == nil {
				return nil, nil
			}
			fields.Raw = line
			return fields, nil
		}
	}
	fields := parsePlain(trim)
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) *normalize.EventFields {
	fields := &normalize.EventFields{Extras: map[string]string{}}
	ts, rest := extractTimestamp(line)

	for _, match := range reKV.FindAllStringSubmatch(rest, -1) {
		fields.Extras[strings.ToLower(match[1])] = strings.Trim(match[2], `"`)
	}
	assignKnown(fields, fields.Extras)
	if fields.Timestamp == "" {
		fields.Timestamp = ts
	}
	if fields.Content == "" {
		fields.Content = strings.Join(strings.Fields(reKV.ReplaceAllString(rest, " ")), " ")
	}
	return fields
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		ts := strings.TrimSpace(line[m[2]:m[3]])
		rest := strings.TrimSpace(line[m[3]:])
		return ts, rest
	}
	return "", line
}

func assignKnown(fields *normalize.EventFields, kv map[string]string) {
	fields.ID = firstNonEmpty(kv, fieldAliases["id"]...)
	fields.SourceApp = firstNonEmpty(kv, fieldAliases["source_app"]...)
	fields.Title = firstNonEmpty(kv, fieldAliases["title"]...)
	fields.Content = firstNonEmpty(kv, fieldAliases["content"]...)
	fields.Amount = firstNonEmpty(kv, fieldAliases["amount"]...)
	fields.AmountCents = firstNonEmpty(kv, fieldAliases["amount_cents"]...)
	fields.Merchant = firstNonEmpty(kv, fieldAliases["merchant"]...)
	fields.Confidence = firstNonEmpty(kv, fieldAliases["confidence"]...)
	fields.GroupSummary = firstNonEmpty(kv, fieldAliases["group_summary"]...)
	fields.Timestamp = firstNonEmpty(kv, fieldAliases["timestamp"]...)
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// CSVParser remembers the first header row it sees. Without a header the
// columns are timestamp, source_app, amount, content.
type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.EventFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	fields := &normalize.EventFields{Extras: map[string]string{}}
	if p.header != nil {
		for i, name := range p.header {
			if i >= len(record) {
				break
			}
			fields.Extras[name] = strings.TrimSpace(record[i])
		}
		assignKnown(fields, fields.Extras)
		return fields, nil
	}
	if !looksLikeTimestamp(record[0]) {
		return nil, errNotCSV
	}
	columns := []*string{&fields.Timestamp, &fields.SourceApp, &fields.Amount, &fields.Content}
	for i, dst := range columns {
		if i < len(record) {
			*dst = strings.TrimSpace(record[i])
		}
	}
	if len(record) > len(columns) {
		fields.Content = strings.Join(record[len(columns)-1:], ",")
	}
	return fields, nil
}

var errNotCSV = errors.New("not a csv record")

func looksLikeTimestamp(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	if reTimestamp.MatchString(v) {
		return true
	}
	for _, ch := range v {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		v = strings.ToLower(strings.TrimSpace(v))
		for _, aliases := range fieldAliases {
			for _, a := range aliases {
				if v == a {
					return true
				}
			}
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
