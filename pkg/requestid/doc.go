// Package requestid attaches a correlation id to every inbound request.
//
// Middleware reuses a valid X-Request-ID header or generates a UUID, stores it
// in the request context and echoes it in the response. New accepts extra
// headers to check first. LoggerExtractor plugs the id into pkg/logger so
// every record logged with the request context carries request_id.
package requestid
