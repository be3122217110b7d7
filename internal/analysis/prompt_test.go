package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserPromptWrapsDataInDelimiters(t *testing.T) {
	got := userPrompt("invoices", 2025, []byte(`{"Total":100}`))

	assert.Contains(t, got, "invoices record from financial year FY2025")
	assert.Contains(t, got, "<transaction_data>\n{\"Total\":100}\n</transaction_data>")
}
