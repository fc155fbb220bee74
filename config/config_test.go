package config

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	data map[string]any
}

func (m *memStore) GetConfig(ctx context.Context) (map[string]any, error) {
	return m.data, nil
}

func (m *memStore) SetConfig(ctx context.Context, data map[string]any) error {
	m.data = data
	return nil
}

func TestLoadSeedsDefaultsOnEmptyStore(t *testing.T) {
	st := &memStore{}
	g, err := Load(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, 4.0, g.Get().Behavior.LostBall.Distance)
	require.NotEmpty(t, st.data, "defaults must be persisted on first load")
}

func TestSerializeAndDeserializePathRoundTrip(t *testing.T) {
	st := &memStore{}
	g, err := Load(context.Background(), st)
	require.NoError(t, err)

	raw, err := g.SerializePath("behavior.lost_ball.distance")
	require.NoError(t, err)
	require.Equal(t, "4", string(raw))

	require.NoError(t, g.DeserializePath("behavior.lost_ball.distance", json.RawMessage("2.5")))

	raw, err = g.SerializePath("behavior.lost_ball.distance")
	require.NoError(t, err)
	require.Equal(t, "2.5", string(raw))
	require.Equal(t, 2.5, g.Get().Behavior.LostBall.Distance)

	select {
	case <-g.Changed():
	default:
		t.Fatal("expected Changed() to signal after DeserializePath")
	}
}

func TestSerializePathUnknownPathFails(t *testing.T) {
	st := &memStore{}
	g, err := Load(context.Background(), st)
	require.NoError(t, err)

	_, err = g.SerializePath("no.such.path")
	require.Error(t, err)
}

func TestEnumerateFieldsIncludesCyclerPeriods(t *testing.T) {
	st := &memStore{}
	g, err := Load(context.Background(), st)
	require.NoError(t, err)

	fields := g.EnumerateFields()
	require.Contains(t, fields, "cyclers.control.period")
	require.Contains(t, fields, "behavior.lost_ball.distance")
}
