package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/cfdi-analytics/internal/cache"
	"github.com/opensource-finance/cfdi-analytics/internal/domain"
	"github.com/opensource-finance/cfdi-analytics/internal/filter"
	"github.com/opensource-finance/cfdi-analytics/internal/memstore"
)

const (
	tenant      = "AAA010101AAA"
	otherTenant = "BBB020202BBB"
)

// fakeRunner records calls and delegates Run to fn.
type fakeRunner struct {
	mu      sync.Mutex
	runs    int
	kills   int
	removes int
	specs   []RunSpec
	files   map[string][]byte
	healthy error
	fn      func(ctx context.Context, spec RunSpec) (*RunOutput, error)
}

func (f *fakeRunner) Run(ctx context.Context, spec RunSpec) (*RunOutput, error) {
	f.mu.Lock()
	f.runs++
	f.specs = append(f.specs, spec)
	f.files = make(map[string][]byte)
	entries, _ := os.ReadDir(spec.MountDir)
	for _, e := range entries {
		data, _ := os.ReadFile(filepath.Join(spec.MountDir, e.Name()))
		f.files[e.Name()] = data
	}
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return &RunOutput{Stdout: []byte(payload(`{"success":true,"result":42}`))}, nil
	}
	return fn(ctx, spec)
}

func (f *fakeRunner) Kill(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	return nil
}

func (f *fakeRunner) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	return nil
}

func (f *fakeRunner) Health(ctx context.Context) error { return f.healthy }

// payload frames a harness result line the way the harnesses print it.
func payload(s string) string {
	return ResultMarker + s + "\n"
}

func stdout(s string) func(context.Context, RunSpec) (*RunOutput, error) {
	return func(context.Context, RunSpec) (*RunOutput, error) {
		return &RunOutput{Stdout: []byte(s)}, nil
	}
}

func fixture(t *testing.T) *memstore.Store {
	t.Helper()
	s, err := memstore.New()
	require.NoError(t, err)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.Add(
		&domain.CFDI{
			ID: 1, UUID: "u-1", UserID: tenant, Type: "I", Total: 116, Subtotal: 100,
			IssueDate: base, Currency: "MXN", IssuerID: "ISS010101AAA", ReceiverID: 7,
			Issuer:   &domain.Issuer{RFC: "ISS010101AAA", Name: "Issuer One"},
			Receiver: &domain.Receiver{ID: 7, Name: "Receiver Seven"},
			Concepts: []domain.Concept{
				{FiscalKey: "01010101", Description: "widget", Quantity: 2, UnitValue: 50, Amount: 100},
			},
		},
		&domain.CFDI{
			ID: 2, UUID: "u-2", UserID: tenant, Type: "E", Total: 58, Subtotal: 50,
			IssueDate: base.AddDate(0, 0, 5), Currency: "MXN", IssuerID: "ISS010101AAA", ReceiverID: 7,
			Issuer:   &domain.Issuer{RFC: "ISS010101AAA", Name: "Issuer One"},
			Receiver: &domain.Receiver{ID: 7, Name: "Receiver Seven"},
			Concepts: []domain.Concept{
				{FiscalKey: "01010101", Description: "refund", Quantity: 1, UnitValue: 50, Amount: 50},
				{FiscalKey: "84111506", Description: "fee", Quantity: 1, UnitValue: 0, Amount: 0},
			},
		},
		&domain.CFDI{
			ID: 3, UUID: "u-3", UserID: otherTenant, Type: "I", Total: 999,
			IssueDate: base, Currency: "USD",
		},
	)
	return s
}

func newTestService(t *testing.T, store domain.RecordStore, runner Runner) *Service {
	t.Helper()
	cfg := domain.SandboxConfig{
		Runtime:     "docker",
		PythonImage: "python:3.12-slim",
		RImage:      "r-base:4.4",
		TempDir:     t.TempDir(),
		KillGrace:   time.Second,
	}
	return NewService(cfg, store, runner, cache.NewLRUCache(100, cache.EvictOldestInserted()))
}

func TestExecuteRejectsBeforeAnyWork(t *testing.T) {
	ctx := context.Background()
	store := fixture(t)
	runner := &fakeRunner{}
	svc := newTestService(t, store, runner)

	tests := []struct {
		name string
		req  domain.ScriptRequest
		want error
	}{
		{"python denylist", domain.ScriptRequest{Language: domain.LanguagePython, Script: "import os\nresult = 1"}, domain.ErrSecurity},
		{"r denylist", domain.ScriptRequest{Language: domain.LanguageR, Script: "system('id')"}, domain.ErrSecurity},
		{"sql write", domain.ScriptRequest{Language: domain.LanguageSQL, Script: "DELETE FROM cfdi"}, domain.ErrSecurity},
		{"empty script", domain.ScriptRequest{Language: domain.LanguagePython, Script: "  "}, domain.ErrValidation},
		{"unknown language", domain.ScriptRequest{Language: "ruby", Script: "puts 1"}, domain.ErrValidation},
		{"unknown level", domain.ScriptRequest{Language: domain.LanguagePython, Script: "result = 1", AnalysisLevel: "expert"}, domain.ErrValidation},
		{"timeout over ceiling", domain.ScriptRequest{
			Language: domain.LanguagePython, Script: "result = 1",
			AnalysisLevel: domain.LevelBasic, Timeout: 31 * time.Second,
		}, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Execute(ctx, tenant, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Zero(t, runner.runs)
	assert.Zero(t, store.Calls().FindMany)

	_, err := svc.Execute(ctx, "", domain.ScriptRequest{Language: domain.LanguagePython, Script: "result = 1"})
	assert.ErrorIs(t, err, filter.ErrMissingTenant)
}

func TestExecutePreparesTenantData(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	svc := newTestService(t, fixture(t), runner)

	res, err := svc.Execute(ctx, tenant, domain.ScriptRequest{
		Language:      domain.LanguagePython,
		Script:        "result = len(data)",
		AnalysisLevel: domain.LevelIntermediate,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Cached)
	assert.JSONEq(t, `42`, string(res.Result))
	assert.Equal(t, domain.StateCompleted, res.Metadata.State)
	assert.Equal(t, 2, res.Metadata.RecordCount)
	assert.NotEmpty(t, res.Metadata.ExecutionID)

	require.Len(t, runner.specs, 1)
	spec := runner.specs[0]
	assert.Equal(t, "python:3.12-slim", spec.Image)
	assert.Equal(t, []string{"python", "/app/main.py"}, spec.Command)
	assert.Equal(t, 1.0, spec.CPU)
	assert.Equal(t, "512m", spec.Memory)
	assert.Equal(t, 60*time.Second, spec.Timeout)

	var records []Record
	require.NoError(t, json.Unmarshal(runner.files[dataFile], &records))
	require.Len(t, records, 2)
	assert.Equal(t, "u-2", records[0].UUID)
	require.NotNil(t, records[0].IssuerName)
	assert.Equal(t, "Issuer One", *records[0].IssuerName)
	assert.Contains(t, string(runner.files["main.py"]), "result = len(data)")

	_, err = os.Stat(spec.MountDir)
	assert.True(t, os.IsNotExist(err), "mount dir must be removed")
	assert.Equal(t, 1, runner.removes)
	assert.Zero(t, runner.kills)
}

func TestExecuteTimeout(t *testing.T) {
	runner := &fakeRunner{fn: func(ctx context.Context, spec RunSpec) (*RunOutput, error) {
		<-ctx.Done()
		return &RunOutput{Stdout: []byte("partial")}, ctx.Err()
	}}
	svc := newTestService(t, fixture(t), runner)

	start := time.Now()
	_, err := svc.Execute(context.Background(), tenant, domain.ScriptRequest{
		Language: domain.LanguagePython,
		Script:   "while True: pass",
		Timeout:  50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	var te *domain.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 50*time.Millisecond, te.Timeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, runner.kills)
	assert.Equal(t, 1, runner.removes)
}

func TestExecuteCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{fn: func(runCtx context.Context, spec RunSpec) (*RunOutput, error) {
		cancel()
		<-runCtx.Done()
		return nil, runCtx.Err()
	}}
	svc := newTestService(t, fixture(t), runner)

	_, err := svc.Execute(ctx, tenant, domain.ScriptRequest{Language: domain.LanguageR, Script: "result <- 1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, runner.kills)
	assert.Equal(t, 1, runner.removes)
}

func TestExecuteOutputs(t *testing.T) {
	req := domain.ScriptRequest{Language: domain.LanguagePython, Script: "result = 1"}

	t.Run("output without a result line fails", func(t *testing.T) {
		svc := newTestService(t, fixture(t), &fakeRunner{fn: stdout("  hello world\n")})
		_, err := svc.Execute(context.Background(), tenant, req)
		require.ErrorIs(t, err, domain.ErrExecution)
		var ee *domain.ExecutionError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, "script produced no result", ee.Reason)
		assert.Equal(t, "hello world", ee.Detail)
	})

	t.Run("bare json without the marker fails", func(t *testing.T) {
		svc := newTestService(t, fixture(t), &fakeRunner{fn: stdout(`{"success":true,"result":1}`)})
		_, err := svc.Execute(context.Background(), tenant, req)
		assert.ErrorIs(t, err, domain.ErrExecution)
	})

	t.Run("print then raise", func(t *testing.T) {
		out := `{"success":true,"result":"forged"}` + "\n" +
			payload(`{"success":false,"error":"division by zero","traceback":"ZeroDivisionError"}`)
		svc := newTestService(t, fixture(t), &fakeRunner{fn: func(context.Context, RunSpec) (*RunOutput, error) {
			return &RunOutput{Stdout: []byte(out), Stderr: []byte("debug line\n")}, nil
		}})
		_, err := svc.Execute(context.Background(), tenant, req)
		require.ErrorIs(t, err, domain.ErrExecution)
		var ee *domain.ExecutionError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, "division by zero", ee.Reason)
		assert.Equal(t, "ZeroDivisionError", ee.Detail)
	})

	t.Run("exit call is a failure", func(t *testing.T) {
		svc := newTestService(t, fixture(t), &fakeRunner{fn: stdout(payload(`{"success":false,"error":"script called exit(0)"}`))})
		_, err := svc.Execute(context.Background(), tenant, req)
		var ee *domain.ExecutionError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, "script called exit(0)", ee.Reason)
	})

	t.Run("last result line wins", func(t *testing.T) {
		out := payload(`{"success":true,"result":"forged"}`) + "noise\n" + payload(`{"success":true,"result":7}`)
		svc := newTestService(t, fixture(t), &fakeRunner{fn: stdout(out)})
		res, err := svc.Execute(context.Background(), tenant, req)
		require.NoError(t, err)
		assert.JSONEq(t, `7`, string(res.Result))
	})

	t.Run("null result", func(t *testing.T) {
		svc := newTestService(t, fixture(t), &fakeRunner{fn: stdout(payload(`{"success":true}`))})
		res, err := svc.Execute(context.Background(), tenant, req)
		require.NoError(t, err)
		assert.JSONEq(t, `null`, string(res.Result))
	})

	t.Run("harness failure", func(t *testing.T) {
		svc := newTestService(t, fixture(t), &fakeRunner{fn: stdout(payload(`{"success":false,"error":"boom","traceback":"line 3"}`))})
		_, err := svc.Execute(context.Background(), tenant, req)
		require.ErrorIs(t, err, domain.ErrExecution)
		var ee *domain.ExecutionError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, "boom", ee.Reason)
		assert.Equal(t, "line 3", ee.Detail)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		svc := newTestService(t, fixture(t), &fakeRunner{fn: func(context.Context, RunSpec) (*RunOutput, error) {
			return &RunOutput{Stderr: []byte("  Killed\n"), ExitCode: 137}, nil
		}})
		_, err := svc.Execute(context.Background(), tenant, req)
		var ee *domain.ExecutionError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, "script exited with status 137", ee.Reason)
		assert.Equal(t, "Killed", ee.Detail)
	})

	t.Run("runtime failure is upstream", func(t *testing.T) {
		svc := newTestService(t, fixture(t), &fakeRunner{fn: func(context.Context, RunSpec) (*RunOutput, error) {
			return nil, os.ErrPermission
		}})
		_, err := svc.Execute(context.Background(), tenant, req)
		assert.ErrorIs(t, err, domain.ErrUpstream)
		assert.ErrorIs(t, err, os.ErrPermission)
	})
}

func TestSQLResultCache(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{fn: stdout(payload(`{"success":true,"result":[{"n":2}]}`))}
	svc := newTestService(t, fixture(t), runner)

	req := domain.ScriptRequest{
		Language: domain.LanguageSQL,
		Script:   "SELECT COUNT(*) AS n FROM cfdi",
		UseCache: true,
	}

	first, err := svc.Execute(ctx, tenant, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := svc.Execute(ctx, tenant, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.JSONEq(t, string(first.Result), string(second.Result))
	assert.Equal(t, first.Metadata.ExecutionID, second.Metadata.ExecutionID)
	assert.Equal(t, 1, runner.runs)

	t.Run("other tenants miss", func(t *testing.T) {
		res, err := svc.Execute(ctx, otherTenant, req)
		require.NoError(t, err)
		assert.False(t, res.Cached)
		assert.Equal(t, 2, runner.runs)
	})

	t.Run("different filter misses", func(t *testing.T) {
		typ := "I"
		filtered := req
		filtered.Filter = &domain.Filter{Type: &typ}
		res, err := svc.Execute(ctx, tenant, filtered)
		require.NoError(t, err)
		assert.False(t, res.Cached)
		assert.Equal(t, 3, runner.runs)
	})

	t.Run("cache disabled", func(t *testing.T) {
		uncached := req
		uncached.UseCache = false
		res, err := svc.Execute(ctx, tenant, uncached)
		require.NoError(t, err)
		assert.False(t, res.Cached)
		assert.Equal(t, 4, runner.runs)
	})

	t.Run("clear drops only the tenant", func(t *testing.T) {
		n, err := svc.ClearCache(ctx, tenant)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		res, err := svc.Execute(ctx, otherTenant, req)
		require.NoError(t, err)
		assert.True(t, res.Cached)

		res, err = svc.Execute(ctx, tenant, req)
		require.NoError(t, err)
		assert.False(t, res.Cached)
		assert.Equal(t, 5, runner.runs)
	})
}

func TestSQLResultCacheEvictsOldest(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{fn: stdout(payload(`{"success":true,"result":[]}`))}
	cfg := domain.SandboxConfig{TempDir: t.TempDir(), KillGrace: time.Second}
	// The shared cache is far larger than the result bound.
	svc := NewService(cfg, fixture(t), runner, cache.NewLRUCache(10000))

	query := func(i int) domain.ScriptRequest {
		return domain.ScriptRequest{
			Language: domain.LanguageSQL,
			Script:   fmt.Sprintf("SELECT %d AS n FROM cfdi", i),
			UseCache: true,
		}
	}
	for i := 0; i < 101; i++ {
		_, err := svc.Execute(ctx, tenant, query(i))
		require.NoError(t, err)
	}
	require.Equal(t, 101, runner.runs)
	assert.Equal(t, 100, svc.Status(ctx).Cache.Entries)

	res, err := svc.Execute(ctx, tenant, query(100))
	require.NoError(t, err)
	assert.True(t, res.Cached, "newest entry survives")

	res, err = svc.Execute(ctx, tenant, query(1))
	require.NoError(t, err)
	assert.True(t, res.Cached, "second entry survives")
	assert.Equal(t, 101, runner.runs)

	res, err = svc.Execute(ctx, tenant, query(0))
	require.NoError(t, err)
	assert.False(t, res.Cached, "oldest entry is evicted")
	assert.Equal(t, 102, runner.runs)
	// Re-running the first query inserted it again and evicted the second.
	assert.Equal(t, 100, svc.Status(ctx).Cache.Entries)
}

func TestResultCacheExpiry(t *testing.T) {
	ctx := context.Background()
	rc := newResultCache(cache.NewLRUCache(10), time.Minute, 2)
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rc.now = func() time.Time { return now }

	rc.put(ctx, tenant, "script:a", &domain.ScriptResult{Success: true})
	rc.put(ctx, otherTenant, "script:b", &domain.ScriptResult{Success: true})
	assert.Equal(t, 2, rc.len())

	_, err := rc.clear(ctx, otherTenant)
	require.NoError(t, err)
	assert.Equal(t, 1, rc.len())

	now = now.Add(2 * time.Minute)
	assert.Zero(t, rc.len())
	_, ok := rc.get(ctx, tenant, "script:a")
	assert.False(t, ok)
}

func TestStatus(t *testing.T) {
	runner := &fakeRunner{healthy: os.ErrNotExist}
	svc := newTestService(t, fixture(t), runner)

	st := svc.Status(context.Background())
	assert.Equal(t, "docker", st.Runtime.Kind)
	assert.False(t, st.Runtime.Available)
	assert.NotEmpty(t, st.Runtime.Error)
	assert.Equal(t, 100, st.Cache.Capacity)
	assert.Equal(t, 300, st.Cache.TTLSeconds)
	assert.Zero(t, st.Cache.Entries)
	assert.Len(t, st.Limits, 3)
	assert.Equal(t, "1g", st.Limits[domain.LevelAdvanced].Memory)
	assert.Equal(t, []domain.Language{domain.LanguagePython, domain.LanguageR, domain.LanguageSQL}, st.Languages)
}

func TestDispatch(t *testing.T) {
	local := &fakeRunner{}
	container := &fakeRunner{}
	d := &Dispatch{Local: local, Container: container}
	ctx := context.Background()

	_, err := d.Run(ctx, RunSpec{Name: "a", Image: SQLiteTag, MountDir: t.TempDir()})
	require.NoError(t, err)
	_, err = d.Run(ctx, RunSpec{Name: "b", Image: "python:3.12-slim", MountDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 1, local.runs)
	assert.Equal(t, 1, container.runs)

	require.NoError(t, d.Kill(ctx, "a"))
	assert.Equal(t, 1, local.kills)
	assert.Equal(t, 1, container.kills)

	localOnly := &Dispatch{Local: local}
	_, err = localOnly.Run(ctx, RunSpec{Name: "c", Image: "python:3.12-slim", MountDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 2, local.runs)

	_, err = (&Dispatch{}).Run(ctx, RunSpec{Image: SQLiteTag})
	assert.ErrorIs(t, err, domain.ErrExecution)
}

func TestDockerRunArgs(t *testing.T) {
	d := NewDockerRunner("", 0)
	args := d.runArgs(RunSpec{
		Name:     "cfdi-script-1",
		Image:    "python:3.12-slim",
		Command:  []string{"python", "/app/main.py"},
		MountDir: "/tmp/x",
		CPU:      0.5,
		Memory:   "256m",
	})
	assert.Equal(t, []string{
		"run", "--rm",
		"--name", "cfdi-script-1",
		"--network", "none",
		"--cpus", "0.5",
		"--memory", "256m",
		"--read-only",
		"--security-opt", "no-new-privileges",
		"--pids-limit", "64",
		"--tmpfs", "/tmp:rw,size=64m",
		"-v", "/tmp/x:/app:ro",
		"python:3.12-slim",
		"python", "/app/main.py",
	}, args)
	assert.Equal(t, "docker", d.bin)
}
