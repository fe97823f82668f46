package ttmsdk

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, event string, data any) Frame {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return Frame{Event: event, Data: raw}
}

func TestApplyUpdatedTwiceEqualsOnce(t *testing.T) {
	price, distance := 5000.0, 12.0
	f := frame(t, EventMissionUpdated, Mission{ID: 42, Status: StatusPublished, ClientRef: "c-1", Price: &price, Distance: &distance})

	once := NewMissionView()
	_, err := once.Apply(f)
	require.NoError(t, err)

	twice := NewMissionView()
	_, err = twice.Apply(f)
	require.NoError(t, err)
	_, err = twice.Apply(f)
	require.NoError(t, err)

	assert.Equal(t, once.List(), twice.List())
	m, ok := twice.Get(42)
	require.True(t, ok)
	assert.Equal(t, StatusPublished, m.Status)
	assert.Equal(t, 5000.0, *m.Price)
}

func TestStatusChangedMergesPresentFields(t *testing.T) {
	price := 5000.0
	v := NewMissionView()
	v.Upsert(Mission{ID: 42, Status: StatusPublished, ClientRef: "c-1", Price: &price, UpdatedAt: "2026-01-01T00:00:00Z"})

	changed, err := v.Apply(frame(t, EventMissionStatusChanged, map[string]any{
		"id": 42, "from": "publiee", "status": "annulee_admin", "updated_at": "2026-01-01T00:05:00Z",
	}))
	require.NoError(t, err)
	assert.True(t, changed)

	m, _ := v.Get(42)
	assert.Equal(t, StatusAdminCanceled, m.Status)
	assert.Equal(t, "2026-01-01T00:05:00Z", m.UpdatedAt)
	assert.Equal(t, "c-1", m.ClientRef)
	require.NotNil(t, m.Price)
	assert.Equal(t, 5000.0, *m.Price)
}

func TestStatusChangedForUnknownMissionIsIgnored(t *testing.T) {
	v := NewMissionView()
	changed, err := v.Apply(frame(t, EventMissionStatusChanged, map[string]any{"id": 7, "status": "en_route"}))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 0, v.Len())
}

func TestPositionsReplaceByMissionAndClearOnTerminal(t *testing.T) {
	v := NewMissionView()
	v.Upsert(Mission{ID: 42, Status: StatusEnRoute})

	_, err := v.Apply(frame(t, EventPositionUpdate, PositionSample{MissionID: 42, OperatorID: "op-1", Lat: 12.6, Lng: -8.0}))
	require.NoError(t, err)
	_, err = v.Apply(frame(t, EventPositionUpdate, PositionSample{MissionID: 42, OperatorID: "op-1", Lat: 12.7, Lng: -8.1}))
	require.NoError(t, err)
	p, ok := v.Position(42)
	require.True(t, ok)
	assert.Equal(t, 12.7, p.Lat)

	_, err = v.Apply(frame(t, EventMissionStatusChanged, map[string]any{"id": 42, "status": "terminee"}))
	require.NoError(t, err)
	_, ok = v.Position(42)
	assert.False(t, ok)
}

func TestDeletedRemovesMission(t *testing.T) {
	v := NewMissionView()
	v.Replace([]Mission{{ID: 1, Status: StatusPending}, {ID: 2, Status: StatusEnRoute}})
	_, err := v.Apply(frame(t, EventPositionUpdate, PositionSample{MissionID: 2, Lat: 1, Lng: 1}))
	require.NoError(t, err)

	changed, err := v.Apply(frame(t, EventMissionDeleted, map[string]any{"id": 2}))
	require.NoError(t, err)
	assert.True(t, changed)
	_, ok := v.Get(2)
	assert.False(t, ok)
	_, ok = v.Position(2)
	assert.False(t, ok)

	changed, err = v.Apply(frame(t, EventMissionDeleted, map[string]any{"id": 2}))
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestListIsNewestFirstAndDetached(t *testing.T) {
	op := "op-1"
	v := NewMissionView()
	v.Replace([]Mission{{ID: 3}, {ID: 10, OperatorRef: &op}, {ID: 7}})

	items := v.List()
	require.Len(t, items, 3)
	assert.Equal(t, []int64{10, 7, 3}, []int64{items[0].ID, items[1].ID, items[2].ID})

	*items[0].OperatorRef = "someone-else"
	m, _ := v.Get(10)
	assert.Equal(t, "op-1", *m.OperatorRef)
}

func TestApplyRejectsMalformedFrames(t *testing.T) {
	v := NewMissionView()
	_, err := v.Apply(Frame{Event: EventMissionUpdated, Data: json.RawMessage(`{"status":"publiee"}`)})
	assert.Error(t, err)
	_, err = v.Apply(Frame{Event: EventPositionUpdate, Data: json.RawMessage(`not json`)})
	assert.Error(t, err)

	changed, err := v.Apply(Frame{Event: EventTransactionCreated, Data: json.RawMessage(`{}`)})
	assert.NoError(t, err)
	assert.False(t, changed)
}
