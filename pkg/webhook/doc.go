// Package webhook performs single outbound webhook attempts over HTTP.
//
// Client.Do sends one JSON request (POST, PUT or PATCH) and reports the status
// code, a capped response body and the elapsed time. Retry policy is left to the
// caller; IsPermanentStatus tells which statuses are worth retrying.
//
// Authentication is described per endpoint with Auth: none, basic, bearer,
// api_key (header X-API-Key unless overridden) or hmac, which signs the body
// with SignPayload and adds the X-Webhook-Signature, X-Webhook-Timestamp and
// X-Webhook-ID headers. Receivers recompute the HMAC over the timestamp, a dot
// and the raw body.
//
//	client := webhook.NewClient(
//	    webhook.WithTimeout(30*time.Second),
//	    webhook.WithCircuitBreakers(webhook.CircuitConfig{Failures: 5, Recovery: time.Minute}),
//	)
//
//	resp, err := client.Do(ctx, webhook.Request{
//	    Method: http.MethodPost,
//	    URL:    "https://hooks.example.com/alerts",
//	    Body:   payload,
//	    Auth:   webhook.Auth{Type: webhook.AuthBearer, Token: token},
//	})
//
// With circuit breakers enabled, an endpoint that keeps failing (network
// errors, 5xx, 429) is short-circuited with ErrCircuitOpen until its recovery
// timeout passes.
package webhook
