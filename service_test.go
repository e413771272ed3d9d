package conductor_test

import (
	"context"
	"embed"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	_ "github.com/viant/afs/embed"

	"github.com/testfarm/conductor"
	"github.com/testfarm/conductor/dispatcher"
	"github.com/testfarm/conductor/model/testcase"
	"github.com/testfarm/conductor/resolver"
	"github.com/testfarm/conductor/service/runner"
)

//go:embed testdata/*
var embedFS embed.FS

type echoRunner struct{}

func (r *echoRunner) Name() string { return "echo" }

func (r *echoRunner) Run(_ context.Context, _ *testcase.TestCase, _ *resolver.Group) (*runner.Result, error) {
	return &runner.Result{Verdict: runner.VerdictPassed, Output: "hello\n"}, nil
}

func testService(t *testing.T) *conductor.Service {
	config := conductor.DefaultConfig()
	config.Runner = "echo"
	config.Dispatcher.WorkerCount = 2
	config.Dispatcher.AcquireTimeout = time.Second

	srv, err := conductor.New(
		conductor.WithConfig(config),
		conductor.WithMetaFsOptions(&embedFS),
		conductor.WithMetaBaseURL("embed:///testdata"),
		conductor.WithInventorySources("targets.yaml"),
		conductor.WithRunners(&echoRunner{}),
	)
	assert.Nil(t, err)
	return srv
}

func TestService(t *testing.T) {
	srv := testService(t)
	runtime := srv.Runtime()
	ctx := context.Background()

	assert.Nil(t, runtime.LoadInventory(ctx))
	assert.Equal(t, 3, runtime.Inventory().FreeCount())
	assert.NotNil(t, runtime.Broker(""))

	assert.Nil(t, runtime.Start(ctx))
	defer runtime.Shutdown(ctx)

	tc, err := runtime.LoadTestCase(ctx, "tests/echo.yaml")
	assert.Nil(t, err)
	assert.Equal(t, "tests/echo.yaml", tc.Path)

	units, err := runtime.Run(ctx, 5*time.Second, tc)
	assert.Nil(t, err)
	assert.Len(t, units, 2)
	for _, unit := range units {
		assert.Equal(t, dispatcher.StatePassed, unit.State)
	}
	snapshot := runtime.Progress().Snapshot()
	assert.Equal(t, 2, snapshot.PassedUnits)
	// every grant was handed back
	assert.Equal(t, 3, runtime.Inventory().FreeCount())
}

func TestLoadTestCaseRejectsMalformedFilter(t *testing.T) {
	srv := testService(t)
	runtime := srv.Runtime()
	ctx := context.Background()

	_, err := runtime.LoadTestCase(ctx, "tests/bad.yaml")
	assert.NotNil(t, err)
}

func TestUnknownRunnerRejected(t *testing.T) {
	config := conductor.DefaultConfig()
	config.Runner = "no-such-runner"
	_, err := conductor.New(conductor.WithConfig(config))
	assert.NotNil(t, err)
}
