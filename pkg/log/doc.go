// Package log provides structured protocol logging for the SSDP stack.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at multiple layers (transport, message, lifecycle).
// It is separate from operational logging (slog) - protocol capture provides
// a complete machine-readable event trace for debugging and analysis, since
// the core itself never requires a particular sink.
//
// # Basic Usage
//
// Applications configure logging by providing a Logger implementation in a
// component's Config (cfg below is a publisher.Config or locator.Config):
//
//	// For development: log to console via slog
//	cfg.Logger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	fileLogger, _ := log.NewFileLogger("/var/log/ssdp/publisher.slog")
//	cfg.Logger = fileLogger
//
//	// Both: use MultiLogger
//	cfg.Logger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
// Events are captured at multiple layers:
//   - Transport: Raw datagram bytes (DatagramEvent)
//   - Message: Parsed NOTIFY/M-SEARCH/response (MessageEvent)
//   - Lifecycle: Publisher/Locator/cache-entry state changes (StateChangeEvent)
//
// Errors have a dedicated event type.
//
// # File Format
//
// Log files use CBOR encoding. Reader provides filtered iteration over a
// recorded file.
package log
