package console

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxy-ify/internal/tunnel"
)

type fakeTunnels []tunnel.Metadata

func (f fakeTunnels) Metadata() []tunnel.Metadata { return f }
func (f fakeTunnels) Count() int                  { return len(f) }

type fakeConns struct{ active, max int64 }

func (f fakeConns) Active() int64 { return f.active }
func (f fakeConns) Max() int64    { return f.max }

func run(t *testing.T, input string, tunnels Tunnels) (string, bool) {
	t.Helper()
	var out bytes.Buffer
	quitCalled := false
	c := New(strings.NewReader(input), &out, tunnels, fakeConns{active: 3, max: 256}, func() { quitCalled = true })
	require.NoError(t, c.Run(context.Background()))
	return out.String(), quitCalled
}

func TestConsoleHelp(t *testing.T) {
	out, quit := run(t, "?\n", fakeTunnels{})
	assert.False(t, quit)
	assert.True(t, strings.HasPrefix(out, Prompt+" "))
	assert.Contains(t, out, "--- Available Commands ---")
	assert.Contains(t, out, " tunnels     List current CONNECT tunnels")
}

func TestConsoleQuitCancels(t *testing.T) {
	for _, cmd := range []string{"q", "quit", "  QUIT "} {
		out, quit := run(t, cmd+"\ntunnels\n", fakeTunnels{})
		assert.True(t, quit, cmd)
		assert.NotContains(t, out, "None", "commands after quit are not read")
	}
}

func TestConsoleEndOfInputKeepsRunning(t *testing.T) {
	_, quit := run(t, "", fakeTunnels{})
	assert.False(t, quit)
}

func TestConsoleTunnelsNone(t *testing.T) {
	out, _ := run(t, "tunnels\n", fakeTunnels{})
	assert.Contains(t, out, "None\n")
}

func TestConsoleTunnelsTable(t *testing.T) {
	tunnels := fakeTunnels{{
		ID:                  "conn-1",
		SourceIP:            "10.0.0.1",
		SourcePort:          5000,
		DestIP:              "93.184.216.34",
		DestPort:            443,
		DestHostname:        "example.com",
		DestHostPort:        443,
		Created:             time.Date(2024, 3, 5, 7, 8, 9, 0, time.UTC),
		BytesClientToServer: 10,
		BytesServerToClient: 20,
	}}
	out, _ := run(t, "tunnels\n", tunnels)
	for _, want := range []string{"conn-1", "03/05/2024 07:08:09", "10.0.0.1:5000", "93.184.216.34:443", "example.com:443"} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "None")
}

func TestConsoleStats(t *testing.T) {
	out, _ := run(t, "stats\n", fakeTunnels{{ID: "a"}, {ID: "b"}})
	assert.Contains(t, out, "Connections: 3 active, 256 max")
	assert.Contains(t, out, "Tunnels:     2")
}

func TestConsoleClearAndUnknown(t *testing.T) {
	out, _ := run(t, "cls\nbogus\n", fakeTunnels{})
	assert.Contains(t, out, clearScreen)
	assert.Contains(t, out, `Unknown command "bogus"`)
}

func TestConsoleStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	c := New(strings.NewReader("tunnels\n"), &out, fakeTunnels{}, fakeConns{}, nil)
	require.NoError(t, c.Run(ctx))
	assert.Empty(t, out.String())
}
