// Package anonymize replaces identifying fields in raw transaction data
// with stable pseudonyms before the data leaves for an AI provider.
//
// A Mapper is shared across one analysis batch: the same counterparty
// maps to the same pseudonym in every transaction of the batch, so the
// model can still correlate spend to a single (unnamed) entity.
package anonymize

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// fieldKinds maps JSON field names to the pseudonym kind substituted for
// their value. Matching is case-insensitive on the field name.
var fieldKinds = map[string]string{
	"name":              "Party",
	"firstname":         "Party",
	"lastname":          "Party",
	"contactname":       "Party",
	"emailaddress":      "Email",
	"bankaccountnumber": "Account",
	"accountnumber":     "Account",
	"bankaccountname":   "Party",
	"phonenumber":       "Phone",
	"taxnumber":         "TaxID",
	"addressline1":      "Address",
	"addressline2":      "Address",
	"addressline3":      "Address",
	"addressline4":      "Address",
}

// Mapper hands out batch-stable pseudonyms for sensitive values.
type Mapper struct {
	mu     sync.Mutex
	lower  cases.Caser
	byKey  map[string]string
	counts map[string]int
}

// NewMapper creates an empty pseudonym mapper.
func NewMapper() *Mapper {
	return &Mapper{
		lower:  cases.Lower(language.English),
		byKey:  make(map[string]string),
		counts: make(map[string]int),
	}
}

// Pseudonym returns the stable pseudonym for a value of the given kind.
// Values differing only in case or surrounding whitespace share one
// pseudonym; lowering is Unicode-aware, not ASCII-only.
func (m *Mapper) Pseudonym(kind, value string) string {
	key := kind + "\x00" + m.lower.String(strings.TrimSpace(value))

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.byKey[key]; ok {
		return p
	}
	m.counts[kind]++
	p := fmt.Sprintf("%s %d", kind, m.counts[kind])
	m.byKey[key] = p
	return p
}

// Size returns the number of distinct values mapped so far.
func (m *Mapper) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

// Transaction returns a copy of raw with sensitive fields replaced by
// pseudonyms, recursing through nested objects and arrays.
func (m *Mapper) Transaction(raw json.RawMessage) (json.RawMessage, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrap(err, "anonymize: decode transaction")
	}

	scrubbed := m.scrub(doc)

	out, err := json.Marshal(scrubbed)
	if err != nil {
		return nil, eris.Wrap(err, "anonymize: encode transaction")
	}
	return out, nil
}

func (m *Mapper) scrub(v any) any {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			kind, sensitive := fieldKinds[strings.ToLower(k)]
			if s, isString := child.(string); sensitive && isString && s != "" {
				node[k] = m.Pseudonym(kind, s)
				continue
			}
			node[k] = m.scrub(child)
		}
		return node
	case []any:
		for i, child := range node {
			node[i] = m.scrub(child)
		}
		return node
	default:
		return v
	}
}
