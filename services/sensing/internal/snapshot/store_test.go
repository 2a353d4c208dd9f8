package snapshot

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/models"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), DisableIndentity: true})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestFetch_HashLayout(t *testing.T) {
	mr, client := newRedis(t)
	mr.HSet("sumo:edge", "e1", `{"edgeID":"e1","timestamp":100.0}`)
	mr.HSet("sumo:edge", "e2", `{"edgeID":"e2","timestamp":101.0}`)

	store := NewStore(client, Options{Layout: HashLayout, HashKey: "sumo:edge"})
	raw, err := store.Fetch(context.Background())
	require.NoError(t, err)

	assert.Len(t, raw, 2)
	assert.Contains(t, raw["e1"], `"e1"`)
}

func TestFetch_PrefixLayout(t *testing.T) {
	mr, client := newRedis(t)
	require.NoError(t, mr.Set("sumo:edge:e1", `{"edgeID":"e1","timestamp":1}`))
	require.NoError(t, mr.Set("sumo:edge:e2", `{"edgeID":"e2","timestamp":2}`))
	require.NoError(t, mr.Set("sumo:tls:j1", `{"tlsID":"j1"}`))

	store := NewStore(client, Options{Layout: PrefixLayout, Prefix: "sumo:edge:"})
	raw, err := store.Fetch(context.Background())
	require.NoError(t, err)

	assert.Len(t, raw, 2)
	assert.Contains(t, raw, "e1")
	assert.Contains(t, raw, "e2")
}

func TestFetch_Unavailable(t *testing.T) {
	mr, client := newRedis(t)
	mr.Close()

	store := NewStore(client, Options{Layout: HashLayout, HashKey: "sumo:edge"})
	_, err := store.Fetch(context.Background())
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	snap, err := Decode("e1", `{"edgeID":"e1","timestamp":12.5,"laneNumber":2,"vehicleCount":4,"waitTime":3.5,"waitingVehicleCount":1,"occupancy":0.4}`)
	require.NoError(t, err)
	assert.Equal(t, "e1", snap.EdgeID)
	assert.Equal(t, 12.5, *snap.Timestamp)
	assert.Equal(t, 4, *snap.VehicleCount)
	assert.Equal(t, 0.4, *snap.Occupancy)

	snap, err = Decode("e9", `{"timestamp":1}`)
	require.NoError(t, err)
	assert.Equal(t, "e9", snap.EdgeID)

	_, err = Decode("e1", `{not json`)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode("", `{"timestamp":1}`)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_KeepsTimestamplessDocument(t *testing.T) {
	snap, err := Decode("e2", `{"occupancy":0.9}`)
	require.NoError(t, err)
	assert.Equal(t, "e2", snap.EdgeID)
	assert.Nil(t, snap.Timestamp)
	assert.Equal(t, 0.9, *snap.Occupancy)
}

func TestOccupancy(t *testing.T) {
	occ := 0.8
	lanes, waiting := 2, 4

	assert.Equal(t, 0.8, Occupancy(models.EdgeSnapshot{Occupancy: &occ}, true))
	assert.Equal(t, 0.0, Occupancy(models.EdgeSnapshot{LaneNumber: &lanes, WaitingVehicleCount: &waiting}, false))
	assert.InDelta(t, 0.3, Occupancy(models.EdgeSnapshot{LaneNumber: &lanes, WaitingVehicleCount: &waiting}, true), 1e-9)

	many := 40
	assert.Equal(t, 1.0, Occupancy(models.EdgeSnapshot{LaneNumber: &lanes, WaitingVehicleCount: &many}, true))

	zero := 0
	assert.Equal(t, 0.0, Occupancy(models.EdgeSnapshot{LaneNumber: &zero, WaitingVehicleCount: &waiting}, true))
}
