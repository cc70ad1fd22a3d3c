/*
Package validate checks API request parameters against declarative schemas.

A Schema names required and optional fields, each bound to a validation
func. Validation collects every failure instead of stopping at the first,
and the resulting Errors value renders as the API's 422 body:

	schema := validate.Schema{
		Required: map[string]validate.Func{
			"guid":    validate.GUID,
			"pubkeys": validate.PubKeys,
		},
		Optional: map[string]validate.Func{
			"created": validate.ISO8601,
		},
	}
	if err := schema.Validate(params); err != nil {
		// err is validate.Errors, one FieldError per failure
	}

Validators cover the domain's formats: 32-hex-digit PIV GUIDs, RFC 4122
UUIDs, SSH authorized-keys lines per key slot, and ISO 8601 timestamps.
*/
package validate
