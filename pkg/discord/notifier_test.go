package discord_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/VincentVerdynanta/utsuru/pkg/discord"
)

func TestNotifierCloseWakesEveryHandle(t *testing.T) {
	n := discord.NewNotifier()
	require.False(t, n.Closed())

	n.Close()

	require.True(t, n.Closed())
	for _, ch := range []<-chan struct{}{n.Gateway(), n.Endpoint(), n.Heartbeat(), n.Dave()} {
		select {
		case <-ch:
		default:
			t.Fatal("handle was not closed")
		}
	}
}

func TestNotifierCloseIsIdempotent(t *testing.T) {
	n := discord.NewNotifier()
	require.NotPanics(t, func() {
		n.Close()
		n.Close()
		n.Close()
	})
}
