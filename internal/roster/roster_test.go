package roster

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoom = "abc123"

func TestJoin_RosterGrowsInArrivalOrder(t *testing.T) {
	tr := New()

	roster, err := tr.Join("c1", testRoom, "Alice")
	require.NoError(t, err)
	assert.Equal(t, []Member{{ConnectionID: "c1", DisplayName: "Alice"}}, roster)

	roster, err = tr.Join("c2", testRoom, "Bob")
	require.NoError(t, err)
	assert.Equal(t, []Member{
		{ConnectionID: "c1", DisplayName: "Alice"},
		{ConnectionID: "c2", DisplayName: "Bob"},
	}, roster)
}

func TestJoin_NthJoinerSeesAllPrevious(t *testing.T) {
	tr := New()
	const n = 6
	var roster []Member
	for i := 1; i <= n; i++ {
		var err error
		roster, err = tr.Join(fmt.Sprintf("c%d", i), testRoom, fmt.Sprintf("user%d", i))
		require.NoError(t, err)
		require.Len(t, roster, i)
	}
	for i, m := range roster {
		assert.Equal(t, fmt.Sprintf("c%d", i+1), m.ConnectionID)
		assert.Equal(t, fmt.Sprintf("user%d", i+1), m.DisplayName)
	}
}

func TestJoin_SameRoomIsIdempotent(t *testing.T) {
	tr := New()
	_, err := tr.Join("c1", testRoom, "Alice")
	require.NoError(t, err)
	roster, err := tr.Join("c1", testRoom, "Alice B.")
	require.NoError(t, err)

	assert.Len(t, roster, 1)
	assert.Equal(t, "Alice B.", roster[0].DisplayName)
	assert.Equal(t, 1, tr.MemberCount(testRoom))
}

func TestJoin_SecondRoomRejected(t *testing.T) {
	tr := New()
	_, err := tr.Join("c1", testRoom, "Alice")
	require.NoError(t, err)

	_, err = tr.Join("c1", "other", "Alice")
	assert.ErrorIs(t, err, ErrAlreadyJoined)
	assert.Empty(t, tr.Roster("other"))

	room, ok := tr.RoomOf("c1")
	assert.True(t, ok)
	assert.Equal(t, testRoom, room)
}

func TestRoster_UnknownRoom(t *testing.T) {
	tr := New()
	assert.Empty(t, tr.Roster("nope"))
	assert.NotNil(t, tr.Roster("nope"))
}

func TestLeave_ReportsDepartureAndForgetsName(t *testing.T) {
	tr := New()
	_, _ = tr.Join("c1", testRoom, "Alice")
	_, _ = tr.Join("c2", testRoom, "Bob")
	_, _ = tr.Join("c3", testRoom, "Carol")

	deps := tr.Leave("c2")
	require.Len(t, deps, 1)
	assert.Equal(t, testRoom, deps[0].Room)
	assert.Equal(t, Member{ConnectionID: "c2", DisplayName: "Bob"}, deps[0].Member)
	assert.Equal(t, []string{"c1", "c3"}, deps[0].Remaining)
	assert.False(t, deps[0].RoomEmpty)

	_, ok := tr.DisplayName("c2")
	assert.False(t, ok)
	_, ok = tr.RoomOf("c2")
	assert.False(t, ok)
	assert.Equal(t, []string{"c1", "c3"}, tr.Members(testRoom))
}

func TestLeave_TwiceIsNoop(t *testing.T) {
	tr := New()
	_, _ = tr.Join("c1", testRoom, "Alice")
	require.Len(t, tr.Leave("c1"), 1)
	assert.Empty(t, tr.Leave("c1"))
}

func TestLeave_LastMemberEmptiesRoom(t *testing.T) {
	tr := New()
	_, _ = tr.Join("c1", testRoom, "Alice")

	deps := tr.Leave("c1")
	require.Len(t, deps, 1)
	assert.True(t, deps[0].RoomEmpty)
	assert.Empty(t, deps[0].Remaining)

	assert.Equal(t, 0, tr.MemberCount(testRoom))
	assert.Empty(t, tr.Members(testRoom))
	assert.Empty(t, tr.rooms, "an emptied room leaves nothing behind")

	_, _ = tr.Join("c2", testRoom, "Bob")
	assert.Equal(t, 1, tr.MemberCount(testRoom))
}

func TestLeave_DoesNotAliasRemaining(t *testing.T) {
	tr := New()
	_, _ = tr.Join("c1", testRoom, "Alice")
	_, _ = tr.Join("c2", testRoom, "Bob")
	_, _ = tr.Join("c3", testRoom, "Carol")

	deps := tr.Leave("c1")
	require.Len(t, deps, 1)
	deps[0].Remaining[0] = "mutated"
	assert.Equal(t, []string{"c2", "c3"}, tr.Members(testRoom))
}

func TestConcurrentJoinLeave(t *testing.T) {
	tr := New()
	const workers = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			_, err := tr.Join(id, testRoom, id)
			assert.NoError(t, err)
			if i%2 == 0 {
				tr.Leave(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, workers/2, tr.MemberCount(testRoom))
	assert.Len(t, tr.Roster(testRoom), workers/2)
}
