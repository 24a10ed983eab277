package api

// transitionSchema only checks shape. Status membership and the amount rule
// are enforced by refunds.BuildTransitionRequest so that their errors carry
// a specific kind.
const transitionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": false,
	"required": ["status"],
	"properties": {
		"status": {"type": "string", "minLength": 1, "maxLength": 64},
		"note": {"type": "string", "maxLength": 2000},
		"force": {"type": "boolean"},
		"real_amount": {"type": ["number", "null"]}
	}
}`
