package wakeword

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWakePlusCommand(t *testing.T) {
	m := New("friday")
	r := m.Match("hey friday what time is it.")
	require.True(t, r.Matched)
	require.Equal(t, "what time is it.", r.Command)
}

func TestWakeOnly(t *testing.T) {
	m := New("friday")
	r := m.Match("hey friday")
	require.True(t, r.Matched)
	require.Empty(t, r.Command)
}

func TestNoWakePhrase(t *testing.T) {
	m := New("friday")
	r := m.Match("what is the weather today")
	require.False(t, r.Matched)
}

func TestPunctuationAndCaseAreIgnoredInMatching(t *testing.T) {
	m := New("friday")
	r := m.Match("Hey, Friday! turn on the lights")
	require.True(t, r.Matched)
	require.Equal(t, "turn on the lights", r.Command)
}

func TestAlternatePrefixesMatch(t *testing.T) {
	m := New("friday")
	for _, phrase := range []string{"okay friday", "ok friday", "hello friday"} {
		r := m.Match(phrase + " play music")
		require.True(t, r.Matched, phrase)
		require.Equal(t, "play music", r.Command)
	}
}
