// Package webhook receives WAHA chat events over HTTP and hands the message
// text to the dispatcher.
//
// # Security Model
//
//   - X-Webhook-Secret compared with crypto/subtle before the body is parsed
//   - Optional X-Webhook-Hmac (HMAC-SHA512 of the body) when a key is configured
//   - Body size limit; no verification details in error responses (always 403)
//   - Request logging excludes message text
//
// # Routes
//
//   - POST /waha/webhook: 200 {"ok":true} once the message is handled
//   - GET /healthz: liveness
//   - GET /metrics: Prometheus exposition, when metrics are enabled
//
// # Error Responses
//
//   - 400 Bad Request: body is not a WAHA message event
//   - 403 Forbidden: missing or wrong secret or signature
//   - 413 Payload Too Large: body exceeds MaxBodySize
package webhook
