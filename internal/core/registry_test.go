// internal/core/registry_test.go
package core

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XertroV/cgf-server/internal/models"
)

// bareSession builds a session without running it; enough for roster and
// registry bookkeeping.
func bareSession(t *testing.T, deps *Deps) *Session {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return NewSession(deps, server)
}

func TestRegistrySessions(t *testing.T) {
	deps, _ := newTestDeps(t)
	r := deps.Registry
	assert.Equal(t, 0, r.NClients())

	s1 := bareSession(t, deps)
	s2 := bareSession(t, deps)
	r.AddSession(s1)
	r.AddSession(s2)
	assert.Equal(t, 2, r.NClients())

	r.RemoveSession(s1)
	assert.Equal(t, 1, r.NClients())
	r.RemoveSession(s1)
	assert.Equal(t, 1, r.NClients(), "double remove should be harmless")
}

func TestRegistryLobbyOrder(t *testing.T) {
	deps, _ := newTestDeps(t)
	ctx := context.Background()
	main := startMain(t, deps)

	a := NewLobby(ctx, deps, models.LobbyDoc{Name: "alpha", ParentLobby: MainLobbyName})
	b := NewLobby(ctx, deps, models.LobbyDoc{Name: "beta", ParentLobby: MainLobbyName})
	deps.Registry.AddLobby(a)
	deps.Registry.AddLobby(b)

	got := deps.Registry.Lobbies()
	require.Len(t, got, 3)
	assert.Same(t, main, got[0], "main lobby registers first")
	assert.Same(t, a, got[1])
	assert.Same(t, b, got[2])
	assert.Equal(t, 3, deps.Registry.NLobbies())
	assert.Same(t, main, deps.Registry.Main())
}

func TestRegistryAddLobbyPanicsOnDuplicate(t *testing.T) {
	deps, _ := newTestDeps(t)
	ctx := context.Background()
	l := NewLobby(ctx, deps, models.LobbyDoc{Name: "dup"})
	deps.Registry.AddLobby(l)

	assert.Panics(t, func() {
		deps.Registry.AddLobby(NewLobby(ctx, deps, models.LobbyDoc{Name: "dup"}))
	})
}

func TestRegistryAddLobbyIfAbsent(t *testing.T) {
	deps, _ := newTestDeps(t)
	ctx := context.Background()

	first := NewLobby(ctx, deps, models.LobbyDoc{Name: "raced"})
	second := NewLobby(ctx, deps, models.LobbyDoc{Name: "raced"})

	assert.Same(t, first, deps.Registry.AddLobbyIfAbsent(first))
	assert.Same(t, first, deps.Registry.AddLobbyIfAbsent(second), "loser resolves to the live lobby")
	assert.Equal(t, 1, deps.Registry.NLobbies())
	assert.Same(t, first, deps.Registry.Lobby("raced"))
}

func TestEnsureMainLobbyCreatesAndPersists(t *testing.T) {
	deps, store := newTestDeps(t)
	main := startMain(t, deps)
	require.NotNil(t, main)
	assert.Equal(t, MainLobbyName, main.Name())
	assert.True(t, main.IsMain())
	assert.Equal(t, "0|MainLobby", main.scope())

	store.mu.Lock()
	_, saved := store.lobbies[MainLobbyName]
	store.mu.Unlock()
	assert.True(t, saved, "fresh main lobby should be persisted")

	again, err := EnsureMainLobby(context.Background(), deps)
	require.NoError(t, err)
	assert.Same(t, main, again)
}

func TestBootstrapLobbiesRevivesStored(t *testing.T) {
	deps, store := newTestDeps(t)
	store.SaveLobby(models.LobbyDoc{Name: "stored", ParentLobby: MainLobbyName, CreationTs: models.NowTs()})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	main, err := BootstrapLobbies(ctx, deps)
	require.NoError(t, err)
	assert.Same(t, main, deps.Registry.Main())
	require.NotNil(t, deps.Registry.Lobby("stored"))
	assert.Equal(t, "1|stored", deps.Registry.Lobby("stored").scope())
}
