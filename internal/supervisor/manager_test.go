package supervisor

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/launcher"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/launcher/launchertest"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/rootfs"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/script"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/session"
)

var alpine = session.Distro{ID: "alpine:mini", DisplayName: "Alpine Linux", Version: "3.21"}

type fakeProc struct {
	done chan struct{}
	once sync.Once
	err  error

	terminated atomic.Bool
}

func newFakeProc() *fakeProc { return &fakeProc{done: make(chan struct{})} }

func (p *fakeProc) PID() int              { return 4242 }
func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) ExitError() error {
	<-p.done
	return p.err
}

func (p *fakeProc) Terminate(time.Duration) error {
	p.terminated.Store(true)
	p.exit(nil)
	return nil
}

func (p *fakeProc) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

type fakeLauncher struct {
	launches atomic.Int32
	spawns   atomic.Int32
	delay    time.Duration

	mu       sync.Mutex
	procs    []*fakeProc
	requests []launcher.Request
}

func (f *fakeLauncher) Launch(ctx context.Context, req launcher.Request) (launcher.ProcessResult, error) {
	f.launches.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return launcher.ProcessResult{ExitCode: 0, Stdout: "PRoot ready\n"}, nil
}

func (f *fakeLauncher) Spawn(req launcher.Request) (Process, error) {
	f.spawns.Add(1)
	p := newFakeProc()
	f.mu.Lock()
	f.procs = append(f.procs, p)
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeLauncher) lastProc() *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[len(f.procs)-1]
}

func (f *fakeLauncher) lastRequest() launcher.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeProxy struct {
	acquired atomic.Int32
	released atomic.Int32
	forced   atomic.Int32
	err      error
}

func (p *fakeProxy) Acquire() (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.acquired.Add(1)
	return "http://127.0.0.1:8118", nil
}

func (p *fakeProxy) Release()   { p.released.Add(1) }
func (p *fakeProxy) ForceStop() { p.forced.Add(1) }

type fixture struct {
	store  *session.Store
	rootfs *rootfs.Manager
	opts   Options
}

func newFixture(t *testing.T, l Launcher) *fixture {
	t.Helper()

	store, err := session.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	rm, err := rootfs.NewManager(t.TempDir())
	require.NoError(t, err)
	_, err = rm.Register(alpine.ID, launchertest.Rootfs(t))
	require.NoError(t, err)

	return &fixture{
		store:  store,
		rootfs: rm,
		opts: Options{
			Store:     store,
			Launcher:  l,
			Rootfs:    rm,
			Log:       zerolog.Nop(),
			StopGrace: time.Second,
		},
	}
}

func (f *fixture) manager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(f.opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func realLauncher(t *testing.T) Launcher {
	return FromLauncher(launcher.New(launchertest.Runtime(t), launcher.Config{}, zerolog.Nop()))
}

func TestEndToEnd(t *testing.T) {
	m := newFixture(t, realLauncher(t)).manager(t)
	ctx := context.Background()

	_, err := m.Create(session.Config{Name: "dev", Distro: alpine})
	require.NoError(t, err)

	require.NoError(t, m.Start(ctx, "dev"))
	s, err := m.Get("dev")
	require.NoError(t, err)
	assert.Equal(t, session.Running{DisplayPort: DefaultDisplayPortBase}, s.State())

	res, err := s.Exec(ctx, "echo hello", DefaultExecTimeout)
	require.NoError(t, err)
	assert.Equal(t, launcher.ProcessResult{ExitCode: 0, Stdout: "hello\n", Stderr: ""}, res)

	require.NoError(t, m.Stop("dev"))
	assert.Equal(t, session.Stopped{}, s.State())

	require.NoError(t, m.Delete("dev"))
	_, err = m.Get("dev")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExecRequiresRunning(t *testing.T) {
	fl := &fakeLauncher{}
	m := newFixture(t, fl).manager(t)

	s, err := m.Create(session.Config{Name: "idle", Distro: alpine})
	require.NoError(t, err)

	res, err := s.Exec(context.Background(), "echo hi", time.Second)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, -1, res.ExitCode)

	_, err = s.ExecInteractive(context.Background(), "cat", strings.NewReader("x"), time.Second)
	assert.ErrorIs(t, err, ErrNotRunning)

	assert.Zero(t, fl.launches.Load())
	assert.Zero(t, fl.spawns.Load())
}

func TestWatchSeesEveryTransitionInOrder(t *testing.T) {
	m := newFixture(t, &fakeLauncher{}).manager(t)

	s, err := m.Create(session.Config{Name: "watched", Distro: alpine})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := m.Watch(ctx)

	require.NoError(t, m.Start(ctx, s.ID()))
	require.NoError(t, m.Stop(s.ID()))

	var kinds []session.StateKind
	timeout := time.After(5 * time.Second)
	for len(kinds) == 0 || kinds[len(kinds)-1] != session.KindStopped {
		select {
		case snap := <-stream:
			for _, rec := range snap {
				if rec.ID == s.ID() && (len(kinds) == 0 || kinds[len(kinds)-1] != rec.State.Kind()) {
					kinds = append(kinds, rec.State.Kind())
				}
			}
		case <-timeout:
			t.Fatalf("stream stalled after %v", kinds)
		}
	}

	assert.Equal(t, []session.StateKind{
		session.KindCreated,
		session.KindStarting,
		session.KindRunning,
		session.KindStopping,
		session.KindStopped,
	}, kinds)
}

func TestConcurrentStartYieldsOneProcess(t *testing.T) {
	fl := &fakeLauncher{delay: 50 * time.Millisecond}
	m := newFixture(t, fl).manager(t)

	s, err := m.Create(session.Config{Name: "race", Distro: alpine})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.Start(context.Background(), s.ID())
		}()
	}
	wg.Wait()

	var ok, already int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyRunning):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, already)
	assert.EqualValues(t, 1, fl.spawns.Load())
	assert.Equal(t, session.KindRunning, s.State().Kind())
}

func TestStopRequiresRunning(t *testing.T) {
	m := newFixture(t, &fakeLauncher{}).manager(t)

	s, err := m.Create(session.Config{Name: "s", Distro: alpine})
	require.NoError(t, err)

	assert.ErrorIs(t, m.Stop(s.ID()), ErrNotRunning)
	assert.Equal(t, session.Created{}, s.State())

	require.NoError(t, m.Start(context.Background(), s.ID()))
	require.NoError(t, m.Stop(s.ID()))
	assert.ErrorIs(t, m.Stop(s.ID()), ErrNotRunning)
	assert.Equal(t, session.Stopped{}, s.State())

	assert.ErrorIs(t, m.Stop("missing"), ErrSessionNotFound)
}

func TestStartTwiceFails(t *testing.T) {
	m := newFixture(t, &fakeLauncher{}).manager(t)
	s, err := m.Create(session.Config{Name: "s", Distro: alpine})
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background(), s.ID()))
	assert.ErrorIs(t, m.Start(context.Background(), s.ID()), ErrAlreadyRunning)
}

func TestStartFailureMovesToError(t *testing.T) {
	proxy := &fakeProxy{}
	f := newFixture(t, &fakeLauncher{})
	f.opts.Proxy = proxy
	m := f.manager(t)

	s, err := m.Create(session.Config{
		Name:          "broken",
		Distro:        session.Distro{ID: "noble:raw"},
		EnableNetwork: true,
	})
	require.NoError(t, err)

	err = m.Start(context.Background(), s.ID())
	require.ErrorIs(t, err, rootfs.ErrNotInstalled)

	st, ok := s.State().(session.Errored)
	require.True(t, ok, "state is %v", s.State())
	assert.NotEmpty(t, st.Message)

	loaded, err := f.store.Load(s.ID())
	require.NoError(t, err)
	assert.Equal(t, st, loaded.State)
	assert.Len(t, m.List(), 1, "failed session stays listed")
	assert.Equal(t, proxy.acquired.Load(), proxy.released.Load())
}

func TestExecTimeoutKeepsSessionRunning(t *testing.T) {
	m := newFixture(t, realLauncher(t)).manager(t)
	ctx := context.Background()

	s, err := m.Create(session.Config{Name: "slow", Distro: alpine})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, s.ID()))

	start := time.Now()
	res, err := s.Exec(ctx, "echo partial; sleep 5", time.Second)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, launcher.ErrTimeout)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, "partial\n", res.Stdout)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, session.KindRunning, s.State().Kind())
}

func TestExecInteractivePipesStdin(t *testing.T) {
	m := newFixture(t, realLauncher(t)).manager(t)
	ctx := context.Background()

	s, err := m.Create(session.Config{Name: "repl", Distro: alpine, Env: map[string]string{"GREETING": "hi"}})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, s.ID()))

	res, err := s.ExecInteractive(ctx, `read -r name; echo "$GREETING $name"`, strings.NewReader("udroid\n"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi udroid\n", res.Stdout)

	res, err = s.Exec(ctx, "echo oops >&2; exit 3", 5*time.Second)
	require.NoError(t, err, "non-zero exit is a successful exec")
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestExecInteractiveKeepsSecretsOffCommandLine(t *testing.T) {
	if _, err := os.Stat("/proc/self/cmdline"); err != nil {
		t.Skip("no /proc on this host")
	}
	m := newFixture(t, realLauncher(t)).manager(t)
	ctx := context.Background()

	_, err := m.Create(session.Config{Name: "keys", Distro: alpine})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, "keys"))

	command, secrets := script.SecureEnv(map[string]string{"ANTHROPIC_API_KEY": "sk-kept-private"},
		`tr '\0' ' ' < /proc/$$/cmdline; echo; printf '%s' "$ANTHROPIC_API_KEY"`)
	res, err := m.ExecInteractive(ctx, "keys", command, strings.NewReader(secrets), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode, res.Stderr)

	args, value, _ := strings.Cut(res.Stdout, "\n")
	assert.NotContains(t, args, "sk-kept-private")
	assert.Equal(t, "sk-kept-private", value)
}

func TestConcurrentExecKeepsOutputSeparate(t *testing.T) {
	m := newFixture(t, realLauncher(t)).manager(t)
	ctx := context.Background()

	s, err := m.Create(session.Config{Name: "busy", Distro: alpine})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, s.ID()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := strings.Repeat("x", i+1)
			res, err := s.Exec(ctx, "printf "+want, 10*time.Second)
			assert.NoError(t, err)
			assert.Equal(t, want, res.Stdout)
		}()
	}
	wg.Wait()
}

func TestAbnormalExitMovesToError(t *testing.T) {
	proxy := &fakeProxy{}
	fl := &fakeLauncher{}
	f := newFixture(t, fl)
	f.opts.Proxy = proxy
	m := f.manager(t)

	s, err := m.Create(session.Config{Name: "crashy", Distro: alpine, EnableNetwork: true})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background(), s.ID()))

	fl.lastProc().exit(errors.New("signal: killed"))

	require.Eventually(t, func() bool {
		return s.State().Kind() == session.KindError
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, s.State().(session.Errored).Message, "sandbox process exited: signal: killed")
	assert.EqualValues(t, 1, proxy.released.Load())

	// the display port is free again
	other, err := m.Create(session.Config{Name: "next", Distro: alpine})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background(), other.ID()))
	assert.Equal(t, session.Running{DisplayPort: DefaultDisplayPortBase}, other.State())

	// an errored session can be started again
	require.NoError(t, m.Start(context.Background(), s.ID()))
	assert.Equal(t, session.Running{DisplayPort: DefaultDisplayPortBase + 1}, s.State())
}

func TestProxyInjectedAndReleased(t *testing.T) {
	proxy := &fakeProxy{}
	fl := &fakeLauncher{}
	f := newFixture(t, fl)
	f.opts.Proxy = proxy
	m := f.manager(t)

	s, err := m.Create(session.Config{Name: "net", Distro: alpine, EnableNetwork: true})
	require.NoError(t, err)
	offline, err := m.Create(session.Config{Name: "offline", Distro: alpine})
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background(), s.ID()))
	env := fl.lastRequest().Env
	assert.Equal(t, "http://127.0.0.1:8118", env["HTTPS_PROXY"])
	assert.Equal(t, "http://127.0.0.1:8118", env["http_proxy"])
	assert.Equal(t, "localhost,127.0.0.1", env["NO_PROXY"])
	assert.Equal(t, ":1", env["DISPLAY"])

	require.NoError(t, m.Start(context.Background(), offline.ID()))
	assert.Empty(t, fl.lastRequest().Env["HTTP_PROXY"])
	assert.EqualValues(t, 1, proxy.acquired.Load())

	require.NoError(t, m.Stop(s.ID()))
	assert.EqualValues(t, 1, proxy.released.Load())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.EqualValues(t, 1, proxy.forced.Load())
	assert.Equal(t, session.Stopped{}, offline.State())
}

func TestDisplayFollowsPortBase(t *testing.T) {
	fl := &fakeLauncher{}
	f := newFixture(t, fl)
	f.opts.DisplayPortBase = 6000
	m := f.manager(t)

	for i, want := range []string{":1", ":2"} {
		s, err := m.Create(session.Config{Name: "d" + strconv.Itoa(i), Distro: alpine})
		require.NoError(t, err)
		require.NoError(t, m.Start(context.Background(), s.ID()))
		assert.Equal(t, session.Running{DisplayPort: 6000 + i}, s.State())
		assert.Equal(t, want, fl.lastRequest().Env["DISPLAY"])
	}
}

func TestStartWithoutProxyWhenRelayFails(t *testing.T) {
	proxy := &fakeProxy{err: errors.New("address in use")}
	fl := &fakeLauncher{}
	f := newFixture(t, fl)
	f.opts.Proxy = proxy
	m := f.manager(t)

	s, err := m.Create(session.Config{Name: "net", Distro: alpine, EnableNetwork: true})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background(), s.ID()))
	assert.Empty(t, fl.lastRequest().Env["HTTP_PROXY"])

	require.NoError(t, m.Stop(s.ID()))
	assert.Zero(t, proxy.released.Load())
}

func TestRecoveryNormalizesLiveStates(t *testing.T) {
	f := newFixture(t, &fakeLauncher{})
	now := time.Now()

	records := map[string]session.State{
		"starting": session.Starting{},
		"running":  session.Running{DisplayPort: 5901},
		"stopping": session.Stopping{},
		"failed":   session.Errored{Message: "disk full"},
		"created":  session.Created{},
	}
	for id, st := range records {
		require.NoError(t, f.store.Save(&session.Session{
			ID:        id,
			Config:    session.Config{Name: id, Distro: alpine},
			CreatedAt: now,
			State:     st,
		}))
	}

	m := f.manager(t)

	want := map[string]session.State{
		"starting": session.Stopped{},
		"running":  session.Stopped{},
		"stopping": session.Stopped{},
		"failed":   session.Errored{Message: "disk full"},
		"created":  session.Created{},
	}
	for id, st := range want {
		s, err := m.Get(id)
		require.NoError(t, err)
		assert.Equal(t, st, s.State(), id)

		loaded, err := f.store.Load(id)
		require.NoError(t, err)
		assert.Equal(t, st, loaded.State, id)
	}
}

func TestCreateRoundTrip(t *testing.T) {
	f := newFixture(t, &fakeLauncher{})
	m := f.manager(t)

	cfg := session.Config{
		Name:          "dev",
		Distro:        alpine,
		EnableSound:   true,
		EnableNetwork: true,
		Mounts:        []string{t.TempDir() + ":/mnt/work"},
		Env:           map[string]string{"EDITOR": "vi"},
	}
	s, err := m.Create(cfg)
	require.NoError(t, err)
	assert.Equal(t, session.Created{}, s.State())

	loaded, err := f.store.Load(s.ID())
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded.Config)

	_, err = m.Create(session.Config{Name: "dev", Distro: alpine})
	assert.ErrorIs(t, err, ErrNameInUse)

	_, err = m.Create(session.Config{Name: "nodistro"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = m.Create(session.Config{Name: "badmount", Distro: alpine, Mounts: []string{"/tmp:relative"}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDeleteStopsRunningSession(t *testing.T) {
	fl := &fakeLauncher{}
	f := newFixture(t, fl)
	m := f.manager(t)

	s, err := m.Create(session.Config{Name: "gone", Distro: alpine})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background(), s.ID()))
	proc := fl.lastProc()

	require.NoError(t, m.Delete("gone"))
	assert.True(t, proc.terminated.Load())

	_, err = f.store.Load(s.ID())
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Empty(t, m.List())
	assert.ErrorIs(t, m.Start(context.Background(), s.ID()), ErrSessionNotFound)
	assert.ErrorIs(t, m.Delete(s.ID()), ErrSessionNotFound)
}
