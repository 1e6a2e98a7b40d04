package registry

import (
	"encoding/hex"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinOrCreate_CreatesPublicRoom(t *testing.T) {
	r := New()

	res, err := r.JoinOrCreate("lobby", "a", false, "")
	require.NoError(t, err)
	assert.True(t, res.IsCreator)
	assert.False(t, res.Room.IsPrivate)
	assert.Empty(t, res.Room.Token)

	res, err = r.JoinOrCreate("lobby", "b", true, "ignored")
	require.NoError(t, err)
	assert.False(t, res.IsCreator)
	assert.False(t, res.Room.IsPrivate, "later joiners cannot change privacy")
	assert.Equal(t, []string{"a", "b"}, res.Room.Members)
}

func TestJoinOrCreate_PrivateRoomAccess(t *testing.T) {
	r := New()

	created, err := r.JoinOrCreate("42", "x", true, "")
	require.NoError(t, err, "creator needs no token")
	require.True(t, created.IsCreator)
	require.True(t, created.Room.IsPrivate)

	raw, err := hex.DecodeString(created.Room.Token)
	require.NoError(t, err)
	assert.Len(t, raw, 16)

	_, err = r.JoinOrCreate("42", "y", false, "")
	assert.ErrorIs(t, err, ErrDenied)

	_, err = r.JoinOrCreate("42", "y", false, "not-the-token")
	assert.ErrorIs(t, err, ErrDenied)

	room, _ := r.Get("42")
	assert.Equal(t, []string{"x"}, room.Members, "denied joins leave no membership")

	res, err := r.JoinOrCreate("42", "y", false, created.Room.Token)
	require.NoError(t, err)
	assert.False(t, res.IsCreator)
	assert.Equal(t, []string{"x", "y"}, res.Room.Members)
}

func TestJoinOrCreate_InvalidRoomID(t *testing.T) {
	r := New()

	_, err := r.JoinOrCreate("", "a", false, "")
	assert.ErrorIs(t, err, ErrInvalidRoomID)

	long := make([]byte, maxRoomIDSize+1)
	for i := range long {
		long[i] = 'r'
	}
	_, err = r.JoinOrCreate(string(long), "a", false, "")
	assert.ErrorIs(t, err, ErrInvalidRoomID)
}

func TestJoinOrCreate_ConcurrentFirstJoinsConverge(t *testing.T) {
	for i := 0; i < 50; i++ {
		r := New()

		const joiners = 16
		results := make([]JoinResult, joiners)
		errs := make([]error, joiners)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for j := 0; j < joiners; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				<-start
				results[j], errs[j] = r.JoinOrCreate("race", string(rune('a'+j)), j%2 == 0, "")
			}(j)
		}
		close(start)
		wg.Wait()

		creators := 0
		var winner JoinResult
		for j, res := range results {
			if errs[j] == nil && res.IsCreator {
				creators++
				winner = res
			}
		}
		require.Equal(t, 1, creators)

		room, ok := r.Get("race")
		require.True(t, ok)
		assert.Equal(t, winner.Room.IsPrivate, room.IsPrivate)
		assert.Equal(t, winner.Room.Token, room.Token)

		for j, res := range results {
			if errs[j] != nil {
				assert.ErrorIs(t, errs[j], ErrDenied)
				assert.True(t, winner.Room.IsPrivate)
				continue
			}
			assert.Equal(t, winner.Room.IsPrivate, res.Room.IsPrivate)
		}
	}
}

func TestLeave_DeletesEmptyRoomAndIssuesFreshToken(t *testing.T) {
	r := New()

	first, err := r.JoinOrCreate("r", "a", true, "")
	require.NoError(t, err)
	_, err = r.JoinOrCreate("r", "b", false, first.Room.Token)
	require.NoError(t, err)

	removed, deleted := r.Leave("r", "a")
	assert.True(t, removed)
	assert.False(t, deleted)

	removed, deleted = r.Leave("r", "a")
	assert.False(t, removed, "second leave is a no-op")
	assert.False(t, deleted)

	removed, deleted = r.Leave("r", "b")
	assert.True(t, removed)
	assert.True(t, deleted)

	_, ok := r.Get("r")
	assert.False(t, ok)

	again, err := r.JoinOrCreate("r", "c", true, "")
	require.NoError(t, err)
	assert.True(t, again.IsCreator)
	assert.NotEqual(t, first.Room.Token, again.Room.Token)
}

func TestDeleteAndList(t *testing.T) {
	r := New()
	_, err := r.JoinOrCreate("b", "1", false, "")
	require.NoError(t, err)
	_, err = r.JoinOrCreate("a", "2", false, "")
	require.NoError(t, err)
	_, err = r.JoinOrCreate("a", "3", false, "")
	require.NoError(t, err)

	rooms := r.List()
	require.Len(t, rooms, 2)
	assert.Equal(t, "a", rooms[0].ID)
	assert.Equal(t, []string{"2", "3"}, rooms[0].Members)

	deleted, err := r.Delete("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, deleted.Members)

	_, err = r.Delete("a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, r.List(), 1)
}
