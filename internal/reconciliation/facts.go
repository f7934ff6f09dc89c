package reconciliation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"
)

// ErrNoFacts means no account list was found in the upstream body.
var ErrNoFacts = errors.New("reconciliation: no account facts in payload")

// DefaultFactsPath locates the account list inside an upstream envelope.
const DefaultFactsPath = "$.data.accounts"

var fallbackPaths = []string{"$.items", "$.data"}

// Accepted spellings per field, first match wins.
var (
	accountFields = []string{"account", "accountName", "name"}
	openingFields = []string{"openingBalance", "opening"}
	inflowFields  = []string{"inflow", "inflows", "totalIn"}
	outflowFields = []string{"outflow", "outflows", "totalOut"}
	actualFields  = []string{"actualCurrent", "currentBalance", "balance", "actual"}
)

// ParseFacts extracts account facts from an upstream body. path is tried
// first (DefaultFactsPath if empty), then $.items and $.data.
// Missing or non-numeric amounts become 0 with a note on that account.
func ParseFacts(body []byte, path string) ([]Fact, error) {
	if path == "" {
		path = DefaultFactsPath
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("reconciliation: decode payload: %w", err)
	}

	rows, ok := lookupList(doc, path)
	for _, p := range fallbackPaths {
		if ok {
			break
		}
		rows, ok = lookupList(doc, p)
	}
	if !ok {
		return nil, ErrNoFacts
	}

	facts := make([]Fact, 0, len(rows))
	for i, row := range rows {
		obj, isObj := row.(map[string]any)
		if !isObj {
			facts = append(facts, Fact{
				Account: fmt.Sprintf("account #%d", i+1),
				Notes:   []string{"entry is not an object, all amounts treated as 0"},
			})
			continue
		}
		facts = append(facts, factFromObject(obj, i))
	}
	return facts, nil
}

func lookupList(doc any, path string) ([]any, bool) {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return nil, false
	}
	list, ok := v.([]any)
	return list, ok
}

func factFromObject(obj map[string]any, idx int) Fact {
	var f Fact

	if name, ok := firstField(obj, accountFields); ok {
		f.Account = strings.TrimSpace(fmt.Sprint(name))
	}
	if f.Account == "" {
		f.Account = fmt.Sprintf("account #%d", idx+1)
		f.Notes = append(f.Notes, "account name missing")
	}

	f.OpeningBalance = amount(obj, openingFields, &f.Notes)
	f.Inflow = amount(obj, inflowFields, &f.Notes)
	f.Outflow = amount(obj, outflowFields, &f.Notes)
	f.ActualCurrent = amount(obj, actualFields, &f.Notes)
	return f
}

func firstField(obj map[string]any, names []string) (any, bool) {
	for _, n := range names {
		if v, ok := obj[n]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func amount(obj map[string]any, names []string, notes *[]string) decimal.Decimal {
	field := names[0]
	raw, ok := firstField(obj, names)
	if !ok {
		*notes = append(*notes, field+" missing, treated as 0")
		reconCoercions.WithLabelValues("missing").Inc()
		return decimal.Zero
	}
	d, err := toDecimal(raw)
	if err != nil {
		*notes = append(*notes, fmt.Sprintf("%s %q is not numeric, treated as 0", field, fmt.Sprint(raw)))
		reconCoercions.WithLabelValues("non_numeric").Inc()
		return decimal.Zero
	}
	return d
}

var currencyStripper = strings.NewReplacer(
	",", "", " ", "", "\u00a0", "", "_", "",
	"$", "", "€", "", "£", "", "¥", "", "฿", "",
	"THB", "", "USD", "", "EUR", "",
)

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case json.Number:
		return decimal.NewFromString(n.String())
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		return parseAmount(n)
	default:
		return decimal.Zero, fmt.Errorf("unsupported type %T", v)
	}
}

// parseAmount accepts "1,234.50", "฿1,234", "-$12", "(1,234.00)".
func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errors.New("empty")
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = currencyStripper.Replace(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}
