package validate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKeyEd25519 = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIEmHCmiFK+cQ3sbxk8lVzMZTK30JDclORSdnfuyIeNhh cn@test"
	testKeyECDSA   = "ecdsa-sha2-nistp256 AAAAE2VjZHNhLXNoYTItbmlzdHAyNTYAAAAIbmlzdHAyNTYAAABBBAAREJcJn6Z+aYZcMhsjHiQdQ47jGW2FPNLNpRqhd0ishGNwBOtrwy8xx/iUBIXARbXSgZZD9WcoJc1GowqZXEk= cn@test"
)

func params(t *testing.T, body string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &m))
	return m
}

func TestUUID(t *testing.T) {
	assert.Nil(t, UUID("cn_uuid", "15966912-8fad-41cd-bd82-abe6468354b5"))
	assert.NotNil(t, UUID("cn_uuid", "not-a-uuid"))
	assert.NotNil(t, UUID("cn_uuid", 42.0))
}

func TestGUID(t *testing.T) {
	assert.Nil(t, GUID("guid", "97496DD1C8F053DE7450CD854D9C95B4"))
	// lower-case hex rejected
	assert.NotNil(t, GUID("guid", "97496dd1c8f053de7450cd854d9c95b4"))
	// wrong length
	assert.NotNil(t, GUID("guid", "97496DD1"))
	assert.NotNil(t, GUID("guid", nil))
}

func TestISO8601(t *testing.T) {
	assert.Nil(t, ISO8601("created", "2025-08-25T10:30:00Z"))
	assert.Nil(t, ISO8601("created", "2025-08-25T10:30:00.123456789Z"))
	assert.Nil(t, ISO8601("created", "2025-08-25"))
	assert.NotNil(t, ISO8601("created", "25/08/2025"))
}

func TestPubKeys(t *testing.T) {
	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{
			"9e only",
			`{"pubkeys": {"9e": "` + testKeyEd25519 + `"}}`,
			true,
		},
		{
			"all slots",
			`{"pubkeys": {"9a": "` + testKeyEd25519 + `", "9d": "` + testKeyECDSA + `", "9e": "` + testKeyEd25519 + `"}}`,
			true,
		},
		{
			"missing 9e",
			`{"pubkeys": {"9a": "` + testKeyEd25519 + `"}}`,
			false,
		},
		{
			"garbage key line",
			`{"pubkeys": {"9e": "not a key"}}`,
			false,
		},
		{
			"not an object",
			`{"pubkeys": "` + testKeyEd25519 + `"}`,
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe := PubKeys("pubkeys", params(t, tt.body)["pubkeys"])
			if tt.ok {
				assert.Nil(t, fe)
			} else {
				require.NotNil(t, fe)
				assert.Equal(t, CodeInvalid, fe.Code)
			}
		})
	}
}

func TestFieldsArray(t *testing.T) {
	fn := FieldsArray([]string{"guid", "cn_uuid", "created"})

	assert.Nil(t, fn("fields", []interface{}{"guid", "created"}))
	assert.NotNil(t, fn("fields", []interface{}{"guid", "pin"}))
	assert.NotNil(t, fn("fields", "guid"))
}

func TestOffsetLimit(t *testing.T) {
	assert.Nil(t, Offset("offset", 0.0))
	assert.NotNil(t, Offset("offset", -1.0))
	assert.NotNil(t, Offset("offset", 1.5))

	assert.Nil(t, Limit("limit", 1.0))
	assert.Nil(t, Limit("limit", 1000.0))
	assert.NotNil(t, Limit("limit", 0.0))
	assert.NotNil(t, Limit("limit", 1001.0))
}

func TestSchemaValidate(t *testing.T) {
	schema := Schema{
		Required: map[string]Func{
			"guid":    GUID,
			"cn_uuid": UUID,
			"pubkeys": PubKeys,
			"pin":     IsPresent,
		},
		Optional: map[string]Func{
			"model":  IsPresent,
			"serial": IsPresent,
		},
	}

	t.Run("valid", func(t *testing.T) {
		err := schema.Validate(params(t, `{
			"guid": "97496DD1C8F053DE7450CD854D9C95B4",
			"cn_uuid": "15966912-8fad-41cd-bd82-abe6468354b5",
			"pubkeys": {"9e": "`+testKeyEd25519+`"},
			"pin": "123456",
			"unknown_field": "ignored"
		}`))
		assert.NoError(t, err)
	})

	t.Run("missing and invalid collected together", func(t *testing.T) {
		err := schema.Validate(params(t, `{
			"guid": "short",
			"cn_uuid": "15966912-8fad-41cd-bd82-abe6468354b5",
			"pubkeys": {"9e": "`+testKeyEd25519+`"}
		}`))
		require.Error(t, err)

		var errs Errors
		require.ErrorAs(t, err, &errs)
		require.Len(t, errs, 2)

		codes := map[string]string{}
		for _, fe := range errs {
			codes[fe.Field] = fe.Code
		}
		assert.Equal(t, CodeInvalid, codes["guid"])
		assert.Equal(t, CodeMissing, codes["pin"])
	})

	t.Run("optional absent is fine, optional invalid is not", func(t *testing.T) {
		base := `{
			"guid": "97496DD1C8F053DE7450CD854D9C95B4",
			"cn_uuid": "15966912-8fad-41cd-bd82-abe6468354b5",
			"pubkeys": {"9e": "` + testKeyEd25519 + `"},
			"pin": "123456"`

		assert.NoError(t, schema.Validate(params(t, base+`}`)))
		assert.Error(t, schema.Validate(params(t, base+`, "model": ""}`)))
	})
}
