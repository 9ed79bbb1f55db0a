// Package billing normalizes billing provider webhooks into Events and wraps
// the provider APIs used by checkout flows.
//
// Providers are reached through their official SDKs: StripeProvider uses
// stripe-go and PaddleProvider uses paddle-go-sdk. Both verify webhook
// signatures before parsing and fail closed: any verification problem yields
// ErrInvalidSignature, a verified but malformed payload ErrInvalidPayload.
// API failures are returned as *retry.ProviderError classified by HTTP status.
package billing
