package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateAssignsUniqueTokenAndID(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	s1, err := r.Create(KindWebSocket)
	require.NoError(t, err)
	s2, err := r.Create(KindWebSocket)
	require.NoError(t, err)

	require.NotEqual(t, s1.ID, s2.ID)
	require.NotEqual(t, s1.ReconnectToken, s2.ReconnectToken)
	require.Len(t, s1.ReconnectToken, 32)
	require.Regexp(t, "^[0-9a-f]{32}$", s1.ReconnectToken)
	require.EqualValues(t, 1, s1.RefCount())
}

func TestLookupByTokenRoundTrip(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	s, err := r.Create(KindWebSocket)
	require.NoError(t, err)

	found := r.LookupByToken(s.ReconnectToken)
	require.NotNil(t, found)
	require.Equal(t, s.ID, found.ID)

	require.Nil(t, r.LookupByToken("0000000000000000000000000000000"))
}

func TestTokenTableOldestWinsEviction(t *testing.T) {
	r := NewRegistry(WithTokenTableSize(2))
	defer r.Close()

	s1, _ := r.Create(KindWebSocket)
	_, _ = r.Create(KindWebSocket)
	s3, _ := r.Create(KindWebSocket)

	// s1's token should have been evicted once the third session's token
	// pushed the bounded table past capacity.
	require.Nil(t, r.LookupByToken(s1.ReconnectToken))
	require.NotNil(t, r.LookupByToken(s3.ReconnectToken))
}

func TestReconnectIdempotence(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	s, err := r.Create(KindWebSocket)
	require.NoError(t, err)

	// Reconnect on an already-connected, matching session is a no-op that
	// still returns the same session.
	again := r.LookupByToken(s.ReconnectToken)
	require.NotNil(t, again)
	require.Equal(t, s.ID, again.ID)
	require.False(t, again.Disconnected())

	// Unknown token: caller is expected to create a fresh session (the
	// registry itself doesn't auto-create on miss; that's the dispatcher's
	// job per spec.md §4.9).
	require.Nil(t, r.LookupByToken("ffffffffffffffffffffffffffffffff"))
}

func TestGetForReconnectReturnsDisconnectedSession(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	s, _ := r.Create(KindWebSocket)
	s.MarkDisconnected()

	require.Nil(t, r.Get(s.ID))
	found := r.GetForReconnect(s.ID)
	require.NotNil(t, found)
	found.ClearDisconnected()
	require.False(t, s.Disconnected())
}

func TestHistoryReplayFidelityExcludesSystemRole(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	s, _ := r.Create(KindWebSocket)
	s.AppendHistory(RoleSystem, "you are a helpful assistant")
	s.AppendHistory(RoleUser, "hello")
	s.AppendHistory(RoleAssistant, "hi")

	replay := s.NonSystemHistory()
	require.Equal(t, []HistoryEntry{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi"},
	}, replay)
}

func TestReapOnlyDisconnectedZeroRefIdleSessions(t *testing.T) {
	r := NewRegistry(WithTimeout(20 * time.Millisecond))
	defer r.Close()

	s, _ := r.Create(KindWebSocket)
	s.MarkDisconnected()
	r.Release(s) // drop back to ref count 0

	require.Eventually(t, func() bool {
		return r.Get(s.ID) == nil && r.LookupByToken(s.ReconnectToken) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestDestroyRemovesSessionAndTokens(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	s, _ := r.Create(KindWebSocket)
	r.Destroy(s.ID)

	require.Nil(t, r.Get(s.ID))
	require.Nil(t, r.LookupByToken(s.ReconnectToken))
}
