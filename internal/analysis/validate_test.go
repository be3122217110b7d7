package analysis

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/taxaudit-cli/internal/model"
)

const validFindingJSON = `{
	"primary_category": "Office Expenses",
	"category_confidence": 92,
	"deduction_type": "immediate",
	"claimable_amount": 150.50,
	"is_fully_deductible": true,
	"is_rnd_candidate": false,
	"rnd_confidence": 0,
	"rnd_reasoning": "",
	"fbt_implications": false,
	"division7a_risk": false,
	"requires_documentation": true,
	"compliance_notes": ["keep the receipt"]
}`

func TestParseFinding(t *testing.T) {
	fr, err := parseFinding(validFindingJSON)
	require.NoError(t, err)
	assert.Equal(t, "Office Expenses", *fr.PrimaryCategory)
	assert.Equal(t, 92.0, *fr.CategoryConfidence)
	assert.Equal(t, 150.50, *fr.ClaimableAmount)
	assert.True(t, fr.RequiresDocs)
	assert.Equal(t, []string{"keep the receipt"}, fr.ComplianceNotes)
}

func TestParseFindingStripsProseAndFences(t *testing.T) {
	wrapped := "Here is the analysis:\n```json\n" + validFindingJSON + "\n```\nLet me know if you need more."
	fr, err := parseFinding(wrapped)
	require.NoError(t, err)
	assert.Equal(t, "Office Expenses", *fr.PrimaryCategory)
}

func TestParseFindingRejectsInvalid(t *testing.T) {
	mutate := func(field string, value any) string {
		var doc map[string]any
		require.NoError(t, json.Unmarshal([]byte(validFindingJSON), &doc))
		if value == nil {
			delete(doc, field)
		} else {
			doc[field] = value
		}
		out, err := json.Marshal(doc)
		require.NoError(t, err)
		return string(out)
	}

	cases := []struct {
		name string
		text string
	}{
		{"no json at all", "I could not categorize this transaction."},
		{"truncated object", `{"primary_category": "Office`},
		{"unknown field", mutate("surprise_field", "x")},
		{"missing primary_category", mutate("primary_category", nil)},
		{"empty primary_category", mutate("primary_category", "")},
		{"missing category_confidence", mutate("category_confidence", nil)},
		{"confidence above range", mutate("category_confidence", 101)},
		{"confidence below range", mutate("category_confidence", -1)},
		{"missing deduction_type", mutate("deduction_type", nil)},
		{"missing claimable_amount", mutate("claimable_amount", nil)},
		{"negative claimable_amount", mutate("claimable_amount", -50)},
		{"rnd_confidence out of range", mutate("rnd_confidence", 150)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseFinding(tc.text)
			assert.Error(t, err)
		})
	}
}

func TestParseFindingConfidenceBoundaries(t *testing.T) {
	for _, v := range []float64{0, 100} {
		text := fmt.Sprintf(`{"primary_category":"Travel","category_confidence":%v,"deduction_type":"immediate","claimable_amount":0,"rnd_confidence":%v}`, v, v)
		fr, err := parseFinding(text)
		require.NoError(t, err)
		assert.Equal(t, v, *fr.CategoryConfidence)
	}
}

func TestToFindingBindsTransaction(t *testing.T) {
	fr, err := parseFinding(validFindingJSON)
	require.NoError(t, err)

	txn := model.CachedTransaction{
		TransactionID: "inv-1",
		TenantID:      "tenant-a",
		DataType:      model.DataTypeInvoices,
		FinancialYear: 2025,
		FetchedAt:     time.Now(),
	}
	finding := fr.toFinding(txn)
	assert.Equal(t, "inv-1", finding.TransactionID)
	assert.Equal(t, "tenant-a", finding.TenantID)
	assert.Equal(t, 2025, finding.FinancialYear)
	assert.Equal(t, "Office Expenses", finding.PrimaryCategory)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("prefix {\"a\":1} suffix"))
	assert.Equal(t, "", extractJSON("no braces here"))
	assert.Equal(t, "", extractJSON("} backwards {"))
}
