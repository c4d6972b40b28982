// Package limits provides centralized datagram size constants and validation
// functions for rudp.
//
// # Size Hierarchy
//
//   - MaxDatagramSize (65507 bytes): the largest UDP payload over IPv4.
//   - MaxReliablePayload / MaxUnreliablePayload: MaxDatagramSize minus the
//     rudp header (3 bytes for id-carrying packets, 1 byte otherwise).
//   - SafePayloadSize (1200 bytes): the default per-connection payload limit,
//     chosen to avoid IP fragmentation on common links.
//
// # Validation Functions
//
//	err := limits.ValidatePayload(payload, true, options.MaxPayloadSize)
//	if errors.Is(err, limits.ErrMessageTooLarge) {
//	    // reject before the payload is queued
//	}
//
// ValidateMessageSize is the generic variant that also rejects empty input.
package limits
