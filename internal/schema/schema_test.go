package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderSchema = `{
	"type": "object",
	"required": ["id", "amount"],
	"properties": {
		"id": {"type": "string"},
		"amount": {"type": "number"}
	}
}`

func TestValidatePass(t *testing.T) {
	v := NewValidator()
	res := v.Validate(orderSchema, []byte(`{"id":"ord_1","amount":12.5}`))
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
}

func TestValidateFail(t *testing.T) {
	v := NewValidator()
	res := v.Validate(orderSchema, []byte(`{"id":42}`))
	require.False(t, res.Valid)
	require.NotEmpty(t, res.Errors)

	joined := ""
	for _, e := range res.Errors {
		joined += e + "\n"
	}
	assert.Contains(t, joined, "/id")
}

func TestValidateNonJSONPayload(t *testing.T) {
	v := NewValidator()
	res := v.Validate(orderSchema, []byte("not json at all"))
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "payload is not valid JSON")
}

func TestValidateBrokenSchema(t *testing.T) {
	v := NewValidator()
	res := v.Validate(`{"type": 12}`, []byte(`{}`))
	require.False(t, res.Valid)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "schema does not compile")
}

func TestCompile(t *testing.T) {
	assert.NoError(t, Compile(orderSchema))
	assert.Error(t, Compile(`{"type": 12}`))
	assert.Error(t, Compile(`{not json`))
}

func TestCompiledSchemaCache(t *testing.T) {
	v := NewValidator()
	v.Validate(orderSchema, []byte(`{"id":"a","amount":1}`))
	v.Validate(orderSchema, []byte(`{"id":"b","amount":2}`))
	assert.Len(t, v.cache, 1)
}
