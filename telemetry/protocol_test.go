package telemetry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestFrameRoundTrip(t *testing.T) {
	raw, err := encodeRequest(Request{ID: 7, Kind: KindReadText, Path: "value"})
	require.NoError(t, err)

	f, err := decodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, frameRequest, f.Type)
	require.Equal(t, uint64(7), f.Request.ID)
	require.Equal(t, KindReadText, f.Request.Kind)
	require.Equal(t, "value", f.Request.Path)
}

func TestSubscribedDataFrameRoundTrip(t *testing.T) {
	value, _ := json.Marshal(3.5)
	raw, err := encodeSubscribedData(SubscribedData{SubscriptionID: 1, Value: value, Lagged: true})
	require.NoError(t, err)

	f, err := decodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, frameSubscribedData, f.Type)
	require.Equal(t, uint64(1), f.SubscribedData.SubscriptionID)
	require.True(t, f.SubscribedData.Lagged)
}

func TestBinaryPushRoundTrip(t *testing.T) {
	raw := encodeBinaryPush(42, []byte{1, 2, 3})
	id, payload, ok := decodeBinaryPush(raw)
	require.True(t, ok)
	require.Equal(t, uint64(42), id)
	require.Equal(t, []byte{1, 2, 3}, payload)
}

func TestDecodeBinaryPushRejectsShortFrame(t *testing.T) {
	_, _, ok := decodeBinaryPush([]byte{1, 2, 3})
	require.False(t, ok)
}
