package edge

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstall_PrecachesShellAndActivates(t *testing.T) {
	origin := newFakeOrigin(t)
	svc := startedService(t, origin)
	v := svc.cfg.Version()

	static, err := svc.store.Open(v.Static)
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/favicon.png", "/manifest.json"}, static.Keys())

	assert.Equal(t, StateActive, svc.State())
	require.NotNil(t, svc.activeVersion())
	assert.Equal(t, v, *svc.activeVersion())
	assert.Equal(t, "v1", svc.hub.Controller())

	name, ok := svc.store.ActiveVersion()
	require.True(t, ok)
	assert.Equal(t, "v1", name)
	assert.ElementsMatch(t, []string{"kronos-static-v1", "kronos-dynamic-v1"}, svc.store.Keys())
}

func TestInstall_FailedFetchLeavesStaticEmpty(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.fail("/favicon.png")
	svc := newTestService(t, origin)

	err := svc.Start(context.Background())
	require.ErrorIs(t, err, ErrInstallFailed)

	v := svc.cfg.Version()
	static, err := svc.store.Open(v.Static)
	require.NoError(t, err)
	assert.Zero(t, static.Len())
	assert.Nil(t, svc.activeVersion())
	assert.Equal(t, StateRedundant, svc.State())
	_, ok := svc.store.ActiveVersion()
	assert.False(t, ok)
}

func TestInstall_ErrorStatusFailsInstall(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.set("/manifest.json", http.StatusInternalServerError, "", "")
	svc := newTestService(t, origin)

	err := svc.Start(context.Background())
	require.ErrorIs(t, err, ErrInstallFailed)
	assert.Zero(t, svc.store.EntryCount())
	assert.Nil(t, svc.activeVersion())
}

func TestActivate_DeletesStaleBuckets(t *testing.T) {
	origin := newFakeOrigin(t)
	st := newMemStorage(t)
	for _, name := range []string{"kronos-v1", "kronos-static-v0", "kronos-dynamic-v0", "unrelated"} {
		c, err := st.Open(name)
		require.NoError(t, err)
		require.NoError(t, c.Put("/old", entry("/old", name)))
	}
	dyn, err := st.Open("kronos-dynamic-v1")
	require.NoError(t, err)
	require.NoError(t, dyn.Put("/api/keep", entry("/api/keep", "kept")))

	svc := newServiceWith(t, testConfig(t, origin.URL()), st, origin)
	require.NoError(t, svc.Start(context.Background()))

	assert.ElementsMatch(t, []string{"kronos-dynamic-v1", "kronos-static-v1"}, st.Keys())
	ent, ok := dyn.Match("/api/keep")
	require.True(t, ok)
	assert.Equal(t, "kept", string(ent.Body))
	_, ok = st.Match("/old")
	assert.False(t, ok)
}

func TestFailedUpgradeKeepsPreviousVersion(t *testing.T) {
	origin := newFakeOrigin(t)
	svc := startedService(t, origin)

	origin.fail("/")
	next := versionFor("kronos", "v2")
	err := svc.Dispatch(context.Background(), Event{Kind: EventInstall, Version: next})
	require.ErrorIs(t, err, ErrInstallFailed)

	require.NotNil(t, svc.activeVersion())
	assert.Equal(t, "v1", svc.activeVersion().Name)
	_, ok := svc.store.Match("/")
	assert.True(t, ok, "v1 shell must still be served")
}

func TestStart_RestoresPersistedVersion(t *testing.T) {
	origin := newFakeOrigin(t)
	st := newMemStorage(t)
	cfg := testConfig(t, origin.URL())

	first := newServiceWith(t, cfg, st, origin)
	require.NoError(t, first.Start(context.Background()))
	first.Close()
	hits := origin.hitCount("/")

	origin.down.Store(true)
	second := newServiceWith(t, cfg, st, origin)
	require.NoError(t, second.Start(context.Background()))

	assert.Equal(t, StateActive, second.State())
	require.NotNil(t, second.activeVersion())
	assert.Equal(t, "v1", second.activeVersion().Name)
	assert.Equal(t, hits, origin.hitCount("/"))

	rec := get(t, second.Handler(), "/manifest.json")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpgrade_WaitsForSkipWaiting(t *testing.T) {
	origin := newFakeOrigin(t)
	svc := startedService(t, origin, func(c *Config) { c.Lifecycle.SkipWaiting = boolPtr(false) })
	client := svc.hub.connect("http://app.local/")

	next := versionFor("kronos", "v2")
	require.NoError(t, svc.Dispatch(context.Background(), Event{Kind: EventInstall, Version: next}))

	st := svc.Status()
	assert.Equal(t, "v1", st.Version)
	assert.Equal(t, "v2", st.Waiting)
	assert.Equal(t, StateInstalled, st.State)

	require.NoError(t, svc.Dispatch(context.Background(), Event{Kind: EventMessage, Message: Message{Type: MsgSkipWaiting}}))

	assert.Equal(t, "v2", svc.activeVersion().Name)
	assert.ElementsMatch(t, []string{next.Static, next.Dynamic}, svc.store.Keys())
	msg := nextMessageOfType(t, client, MsgControllerChange)
	assert.Equal(t, "v2", msg.Version)
}

func TestUpgrade_ActivatesWhenLastClientLeaves(t *testing.T) {
	origin := newFakeOrigin(t)
	svc := startedService(t, origin, func(c *Config) { c.Lifecycle.SkipWaiting = boolPtr(false) })
	client := svc.hub.connect("http://app.local/")

	next := versionFor("kronos", "v2")
	require.NoError(t, svc.Dispatch(context.Background(), Event{Kind: EventInstall, Version: next}))
	require.Equal(t, "v1", svc.activeVersion().Name)

	svc.hub.disconnect(client)

	assert.Eventually(t, func() bool {
		v := svc.activeVersion()
		return v != nil && v.Name == "v2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInstall_SameVersionIsNoop(t *testing.T) {
	origin := newFakeOrigin(t)
	svc := startedService(t, origin)
	hits := origin.hitCount("/")

	require.NoError(t, svc.Dispatch(context.Background(), Event{Kind: EventInstall}))
	assert.Equal(t, hits, origin.hitCount("/"))
}

func TestApplyConfig_InstallsBumpedVersion(t *testing.T) {
	origin := newFakeOrigin(t)
	svc := startedService(t, origin)

	next := testConfig(t, origin.URL(), func(c *Config) { c.Cache.Version = "v2" })
	svc.applyConfig(next)

	assert.Eventually(t, func() bool {
		v := svc.activeVersion()
		return v != nil && v.Name == "v2"
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"kronos-static-v2", "kronos-dynamic-v2"}, svc.store.Keys())
}

func TestDispatch_UnknownEvent(t *testing.T) {
	origin := newFakeOrigin(t)
	svc := newTestService(t, origin)
	err := svc.Dispatch(context.Background(), Event{Kind: "fetch"})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}
