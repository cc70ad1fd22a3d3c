/*
Package client wraps the escrowd HTTP API for CLI and programmatic use.

The client mirrors the API surface method for method, decodes the error
contract into APIError, and signs requests when given a Signer. A base
client is safe to share; Signed returns a per-token copy:

	c := client.New("http://escrowd:8080")

	token, err := c.CreatePIVToken(client.PIVTokenParams{
		GUID:    guid,
		CNUUID:  cn,
		Pin:     pin,
		PubKeys: keys,
	})

	signer, _ := client.HMACSigner(token.RecoveryTokens[0].Token)
	owned := c.Signed(signer)
	full, err := owned.GetPin(guid)

Lifecycle actions return the watch location for scheduled fan-outs, and
Watch polls the progress view:

	location, err := c.ConfigAction(uuid, "stage", nil)
	progress, err := c.Watch(uuid, "stage")

Errors from non-2xx responses are always *APIError. A colliding transition
surfaces the in-flight row on the error itself:

	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Code == "TransitionAlreadyExists" {
		watch(apiErr.Transition)
	}

Every request carries a timeout (10s by default); there is no retry logic.
Callers that want retries should drive them off APIError.Status.
*/
package client
