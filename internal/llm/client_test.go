package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addressSchema = `{
	"type": "object",
	"properties": {
		"city": {"type": "string"},
		"zip":  {"type": "string"}
	},
	"required": ["city"]
}`

func TestValidateStructuredOutput_Valid(t *testing.T) {
	err := ValidateStructuredOutput(addressSchema, `{"city": "Portland", "zip": "97201"}`)
	assert.NoError(t, err)
}

func TestValidateStructuredOutput_MissingRequired(t *testing.T) {
	err := ValidateStructuredOutput(addressSchema, `{"zip": "97201"}`)
	assert.Error(t, err)
}

func TestValidateStructuredOutput_WrongType(t *testing.T) {
	err := ValidateStructuredOutput(addressSchema, `{"city": 42}`)
	assert.Error(t, err)
}

func TestValidateStructuredOutput_NotJSON(t *testing.T) {
	err := ValidateStructuredOutput(addressSchema, `the city is Portland`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestValidateStructuredOutput_BadSchema(t *testing.T) {
	err := ValidateStructuredOutput(`{not json`, `{}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output schema")
}

func TestProviderForModel(t *testing.T) {
	assert.Equal(t, "anthropic", providerForModel("claude-sonnet-4.5"))
	assert.Equal(t, "openai", providerForModel("gpt-4o-mini"))
	assert.Equal(t, "openai", providerForModel(""))
}
