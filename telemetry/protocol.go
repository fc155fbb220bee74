// Package telemetry implements a bidirectional telemetry protocol: a
// WebSocket stream carrying requests, responses, and subscription push
// data over the parameter document, using gorilla/websocket with
// request/response correlation by caller-chosen id.
package telemetry

import "encoding/json"

// RequestKind enumerates the wire requests recognized by the server.
// Connect/Disconnect/SetAddress are handled at the transport wrapper
// (Client) and never appear on the wire.
type RequestKind string

const (
	KindReadText              RequestKind = "read_text"
	KindReadBinary            RequestKind = "read_binary"
	KindSubscribeText         RequestKind = "subscribe_text"
	KindSubscribeBinary       RequestKind = "subscribe_binary"
	KindUnsubscribe           RequestKind = "unsubscribe"
	KindUnsubscribeEverything RequestKind = "unsubscribe_everything"
	KindWrite                 RequestKind = "write"
	KindGetFields             RequestKind = "get_fields"
	KindGetStatus             RequestKind = "get_status"
	KindLoadFromDisk          RequestKind = "load_from_disk"
	KindStoreToDisk           RequestKind = "store_to_disk"
)

// Request is a client-originated wire message. ID is chosen by the
// client and echoed back on the matching Response or Error.
type Request struct {
	ID             uint64          `json:"id"`
	Kind           RequestKind     `json:"kind"`
	Path           string          `json:"path,omitempty"`
	SubscriptionID uint64          `json:"subscription_id,omitempty"`
	Value          json.RawMessage `json:"value,omitempty"`
}

// Response answers a Request that did not fail outright (failures use
// Error instead). Exactly one of Value/Fields/Status/Ack is populated,
// depending on the originating request kind.
type Response struct {
	ID     uint64          `json:"id"`
	Value  json.RawMessage `json:"value,omitempty"`
	Fields []string        `json:"fields,omitempty"`
	Status *StatusReport   `json:"status,omitempty"`
	Ack    bool            `json:"ack,omitempty"`
}

// StatusReport answers GetStatus.
type StatusReport struct {
	Connected           bool `json:"connected"`
	ActiveSubscribers   int  `json:"active_subscribers"`
	TextSubscriptions   int  `json:"text_subscriptions"`
	BinarySubscriptions int  `json:"binary_subscriptions"`
}

// SubscribedData is a server-pushed frame delivered for a live text
// subscription. Binary subscriptions instead use raw WebSocket binary
// frames (see encodeBinaryPush/decodeBinaryPush) so the opaque bytes
// travel verbatim.
type SubscribedData struct {
	SubscriptionID uint64          `json:"subscription_id"`
	Value          json.RawMessage `json:"value"`
	Lagged         bool            `json:"lagged,omitempty"`
}

// ErrorMessage reports a request-level failure. ID echoes the
// triggering request when known; Path is echoed for subscribe errors
// against an unresolved path.
type ErrorMessage struct {
	ID      uint64 `json:"id,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// frameKind discriminates the outer JSON envelope. Every text frame on
// the wire is one of these four variants.
type frameKind string

const (
	frameRequest         frameKind = "request"
	frameResponse        frameKind = "response"
	frameSubscribedData  frameKind = "subscribed_data"
	frameError           frameKind = "error"
)

// frame is the outer JSON envelope every textual message is wrapped
// in, mirroring the Request/Response/SubscribedData/Error enum.
type frame struct {
	Type           frameKind        `json:"type"`
	Request        *Request         `json:"request,omitempty"`
	Response       *Response        `json:"response,omitempty"`
	SubscribedData *SubscribedData  `json:"subscribed_data,omitempty"`
	Error          *ErrorMessage    `json:"error,omitempty"`
}

func encodeRequest(r Request) ([]byte, error) {
	return json.Marshal(frame{Type: frameRequest, Request: &r})
}

func encodeResponse(r Response) ([]byte, error) {
	return json.Marshal(frame{Type: frameResponse, Response: &r})
}

func encodeSubscribedData(d SubscribedData) ([]byte, error) {
	return json.Marshal(frame{Type: frameSubscribedData, SubscribedData: &d})
}

func encodeError(e ErrorMessage) ([]byte, error) {
	return json.Marshal(frame{Type: frameError, Error: &e})
}

func decodeFrame(raw []byte) (frame, error) {
	var f frame
	err := json.Unmarshal(raw, &f)
	return f, err
}
