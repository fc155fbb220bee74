package telemetry

import "encoding/binary"

// encodeBinaryPush prefixes a binary subscription's payload with its
// subscription id so the client can route the frame without a JSON
// envelope; binary subscriptions carry the opaque bytes verbatim.
func encodeBinaryPush(subscriptionID uint64, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(out, subscriptionID)
	copy(out[8:], payload)
	return out
}

// decodeBinaryPush splits a raw binary WebSocket frame back into its
// subscription id and payload.
func decodeBinaryPush(raw []byte) (subscriptionID uint64, payload []byte, ok bool) {
	if len(raw) < 8 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint64(raw[:8]), raw[8:], true
}
