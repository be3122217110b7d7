package anonymize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPseudonymStableWithinBatch(t *testing.T) {
	m := NewMapper()

	first := m.Pseudonym("Party", "Acme Pty Ltd")
	second := m.Pseudonym("Party", "Acme Pty Ltd")
	other := m.Pseudonym("Party", "Widgets Inc")

	assert.Equal(t, "Party 1", first)
	assert.Equal(t, first, second)
	assert.Equal(t, "Party 2", other)
	assert.Equal(t, 2, m.Size())
}

func TestPseudonymFoldsCaseAndWhitespace(t *testing.T) {
	m := NewMapper()

	a := m.Pseudonym("Party", "Acme Pty Ltd")
	b := m.Pseudonym("Party", "  ACME PTY LTD ")
	assert.Equal(t, a, b)
	assert.Equal(t, 1, m.Size())
}

func TestPseudonymKindsCountIndependently(t *testing.T) {
	m := NewMapper()

	assert.Equal(t, "Party 1", m.Pseudonym("Party", "Acme"))
	assert.Equal(t, "Email 1", m.Pseudonym("Email", "billing@acme.example"))
	assert.Equal(t, "Party 2", m.Pseudonym("Party", "Widgets"))
}

func TestTransactionScrubsNestedFields(t *testing.T) {
	m := NewMapper()

	raw := json.RawMessage(`{
		"InvoiceID": "inv-1",
		"Total": 1500.50,
		"Contact": {
			"Name": "Acme Pty Ltd",
			"EmailAddress": "billing@acme.example",
			"Phones": [{"PhoneNumber": "0400123456"}]
		},
		"LineItems": [
			{"Description": "Consulting services", "LineAmount": 1500.50}
		]
	}`)

	out, err := m.Transaction(raw)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))

	contact := doc["Contact"].(map[string]any)
	assert.Equal(t, "Party 1", contact["Name"])
	assert.Equal(t, "Email 1", contact["EmailAddress"])
	phone := contact["Phones"].([]any)[0].(map[string]any)
	assert.Equal(t, "Phone 1", phone["PhoneNumber"])

	// Non-identifying fields pass through untouched.
	assert.Equal(t, "inv-1", doc["InvoiceID"])
	assert.Equal(t, 1500.50, doc["Total"])
	line := doc["LineItems"].([]any)[0].(map[string]any)
	assert.Equal(t, "Consulting services", line["Description"])
}

func TestTransactionFieldNameCaseInsensitive(t *testing.T) {
	m := NewMapper()

	out, err := m.Transaction(json.RawMessage(`{"NAME":"Acme","bankaccountnumber":"12-3456"}`))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "Party 1", doc["NAME"])
	assert.Equal(t, "Account 1", doc["bankaccountnumber"])
}

func TestTransactionSharedMapperCorrelatesAcrossTransactions(t *testing.T) {
	m := NewMapper()

	first, err := m.Transaction(json.RawMessage(`{"Contact":{"Name":"Acme Pty Ltd"}}`))
	require.NoError(t, err)
	second, err := m.Transaction(json.RawMessage(`{"Contact":{"Name":"acme pty ltd"}}`))
	require.NoError(t, err)

	var a, b map[string]map[string]any
	require.NoError(t, json.Unmarshal(first, &a))
	require.NoError(t, json.Unmarshal(second, &b))
	assert.Equal(t, a["Contact"]["Name"], b["Contact"]["Name"])
}

func TestTransactionEmptyValueLeftAlone(t *testing.T) {
	m := NewMapper()

	out, err := m.Transaction(json.RawMessage(`{"Name":"","TaxNumber":null}`))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "", doc["Name"])
	assert.Nil(t, doc["TaxNumber"])
	assert.Zero(t, m.Size())
}

func TestTransactionRejectsMalformedJSON(t *testing.T) {
	m := NewMapper()
	_, err := m.Transaction(json.RawMessage(`{"Name":`))
	assert.Error(t, err)
}
