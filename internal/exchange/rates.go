package exchange

import (
	_ "embed"
	"fmt"
	"math"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rates.yaml
var defaultRates []byte

// Pair is one direction of a fixed-rate exchange.
type Pair struct {
	From string  `yaml:"from"`
	To   string  `yaml:"to"`
	Rate float64 `yaml:"rate"`
	Per  float64 `yaml:"per"`
}

// Code is the identifier used in callbacks, e.g. "BTC_USDT".
func (p Pair) Code() string { return p.From + "_" + p.To }

// Convert returns amount of From expressed in To, rounded to six decimals.
func (p Pair) Convert(amount float64) float64 {
	return round6(amount * p.Rate)
}

type rateFile struct {
	Pairs           []Pair             `yaml:"pairs"`
	StartingBalance map[string]float64 `yaml:"starting_balance"`
}

// RateTable is the static list of pairs and the demo balance every user starts with.
type RateTable struct {
	pairs    []Pair
	byCode   map[string]Pair
	starting Balance
}

// ParseRates decodes a YAML rate table.
func ParseRates(data []byte) (*RateTable, error) {
	var f rateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rates: %w", err)
	}
	t := &RateTable{byCode: make(map[string]Pair, len(f.Pairs)), starting: Balance{}}
	for _, p := range f.Pairs {
		p.From = strings.ToUpper(p.From)
		p.To = strings.ToUpper(p.To)
		if p.Rate == 0 && p.Per > 0 {
			p.Rate = 1 / p.Per
		}
		if p.From == "" || p.To == "" || p.From == p.To || p.Rate <= 0 {
			return nil, fmt.Errorf("parse rates: invalid pair %s", p.Code())
		}
		if _, dup := t.byCode[p.Code()]; dup {
			return nil, fmt.Errorf("parse rates: duplicate pair %s", p.Code())
		}
		t.pairs = append(t.pairs, p)
		t.byCode[p.Code()] = p
	}
	for cur, v := range f.StartingBalance {
		t.starting[strings.ToUpper(cur)] = v
	}
	return t, nil
}

// DefaultRates returns the table compiled into the binary.
func DefaultRates() *RateTable {
	t, err := ParseRates(defaultRates)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *RateTable) Lookup(code string) (Pair, bool) {
	p, ok := t.byCode[strings.ToUpper(code)]
	return p, ok
}

// Pairs lists the pairs in file order.
func (t *RateTable) Pairs() []Pair {
	return append([]Pair(nil), t.pairs...)
}

// StartingBalance returns a fresh copy of the demo balance.
func (t *RateTable) StartingBalance() Balance {
	b := make(Balance, len(t.starting))
	for k, v := range t.starting {
		b[k] = v
	}
	return b
}

// Balance maps a currency code to an amount.
type Balance map[string]float64

// Currencies returns the codes in alphabetical order.
func (b Balance) Currencies() []string {
	out := make([]string, 0, len(b))
	for cur := range b {
		out = append(out, cur)
	}
	sort.Strings(out)
	return out
}

// String renders one "• CUR: amount" line per currency.
func (b Balance) String() string {
	var sb strings.Builder
	for _, cur := range b.Currencies() {
		fmt.Fprintf(&sb, "• %s: %.6f\n", cur, b[cur])
	}
	return strings.TrimRight(sb.String(), "\n")
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
