package rig

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-gasrig/config"
	"github.com/arloliu/go-gasrig/logger"
	"github.com/arloliu/go-gasrig/promise"
	"github.com/arloliu/go-gasrig/status"
	"github.com/arloliu/go-gasrig/transport"
	"github.com/arloliu/go-gasrig/transport/transporttest"
	"github.com/arloliu/go-gasrig/worker"
)

const testPort = "/dev/ttyTEST"

func testConfig(port string) *config.Config {
	cfg := config.Default()
	cfg.Line.Port = port
	cfg.Flow.Cages = []config.CageConfig{{Number: 1, Coil: 10}, {Number: 2, Coil: 11}, {Number: 3, Coil: 12}}
	cfg.Flow.Selected = []int{1, 2, 3}
	cfg.Flow.PollDelayMs = 1
	cfg.CO2.PollDelayMs = 1
	cfg.O2.PollDelayMs = 1

	zero, span := uint16(20), uint16(30)
	cfg.CO2.ZeroRegister = &zero
	cfg.O2.SpanRegister = &span

	return cfg
}

func newTestRig(t *testing.T, port string) (*Rig, *transporttest.Script, *status.Recorder) {
	t.Helper()

	script := transporttest.New()
	rec := &status.Recorder{}
	r, err := New(script, testConfig(port),
		WithReporter(status.NewReporter(rec)),
		WithLogger(logger.NewNopMockLogger()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		for _, s := range r.Subsystems() {
			if w := s.Worker(); w != nil {
				w.Stop()
				<-w.Done()
			}
		}
	})

	return r, script, rec
}

func await[T any](t *testing.T, p *promise.Promise[T]) (T, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return p.Await(ctx)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, config.Default())
	require.ErrorIs(t, err, ErrNilTransport)

	_, err = New(transporttest.New(), nil)
	require.ErrorIs(t, err, ErrNilConfig)

	cfg := config.Default()
	cfg.CO2.Concentration.Format = "bool"
	_, err = New(transporttest.New(), cfg)
	require.Error(t, err)
}

func TestSubsystems_NoPort(t *testing.T) {
	r, script, _ := newTestRig(t, "")

	for _, s := range r.Subsystems() {
		for op, fn := range map[string]func() *promise.Promise[promise.Void]{
			"start": s.Start,
			"run":   s.Run,
			"stop":  s.Stop,
		} {
			p := fn()
			assert.Equal(t, promise.Rejected, p.State(), "%s %s", s.Name(), op)
			_, err := p.Result()
			assert.ErrorIs(t, err, ErrNoPort, "%s %s", s.Name(), op)
		}
	}

	_, err := r.CO2().Read(context.Background())
	assert.ErrorIs(t, err, ErrNoPort)
	_, err = r.O2().ReadAsync().Result()
	assert.ErrorIs(t, err, ErrNoPort)
	_, err = r.CO2().WriteZero().Result()
	assert.ErrorIs(t, err, ErrNoPort)
	_, err = r.Flow().OpenValve(SampleValve).Result()
	assert.ErrorIs(t, err, ErrNoPort)

	_, err = r.O2().WriteZero().Result()
	assert.ErrorIs(t, err, ErrNoPort, "port is checked before the register")
	_, err = r.CO2().WriteSpan(1).Result()
	assert.ErrorIs(t, err, ErrNoPort, "port is checked before the register")

	assert.Zero(t, script.Count())
}

func TestSubsystems_StopWithoutPortHaltsWorker(t *testing.T) {
	r, script, _ := newTestRig(t, testPort)
	script.On(1, transport.ReadInputRegistersFunc, 0).Return(5)
	script.On(3, transport.ReadInputRegistersFunc, 0).Return(20.9)

	for _, s := range []Subsystem{r.Flow(), r.O2()} {
		_, err := await(t, s.Run())
		require.NoError(t, err, s.Name())
		require.NoError(t, s.Pause(), s.Name())
	}

	r.Settings().Set(config.KeyPort, "")
	calls := script.Count()

	for _, s := range []Subsystem{r.Flow(), r.O2()} {
		_, err := await(t, s.Stop())
		require.ErrorIs(t, err, ErrNoPort, s.Name())

		w := s.Worker()
		select {
		case <-w.Done():
		case <-time.After(time.Second):
			t.Fatalf("%s worker still %s after Stop", s.Name(), w.State())
		}
		assert.Equal(t, worker.StoppedState, w.State(), s.Name())
	}

	assert.Equal(t, calls, script.Count(), "teardown needs a port")
}

func TestSubsystems_PortSelectedLater(t *testing.T) {
	r, script, _ := newTestRig(t, "")
	script.On(2, transport.ReadHoldingRegistersFunc, 2).Return(1)

	_, err := r.CO2().Start().Result()
	require.ErrorIs(t, err, ErrNoPort)

	r.Settings().Set(config.KeyPort, testPort)
	_, err = await(t, r.CO2().Start())
	require.NoError(t, err)
	assert.Equal(t, testPort, script.Requests()[0].Port)
}

func TestFlowController_Start(t *testing.T) {
	r, script, rec := newTestRig(t, testPort)
	script.On(1, transport.ReadCoilsFunc, 0).Return(0, 0, 1, 1)

	_, err := await(t, r.Flow().Start())
	require.NoError(t, err)

	assert.Equal(t, []string{"1/coil/0=off", "1/coil/1=off", "1/coil/2=on", "1/coil/10=on"}, script.Writes())

	reqs := script.Requests()
	require.Len(t, reqs, 5)
	readBack := reqs[4]
	assert.Equal(t, transport.ReadCoilsFunc, readBack.Function)
	addr, qty, err := transport.AddressQuantity(readBack.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), addr)
	assert.Equal(t, uint16(11), qty)
	assert.Equal(t, time.Second, readBack.Timeout)

	assert.Equal(t, 0, r.Session().CageIndex())
	msgs := rec.Messages()
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1], "Flow controller started")
}

func TestFlowController_StartValveMismatch(t *testing.T) {
	r, script, _ := newTestRig(t, testPort)
	script.On(1, transport.ReadCoilsFunc, 0).Return(0, 0, 0, 1)

	_, err := await(t, r.Flow().Start())
	require.ErrorIs(t, err, ErrValveMismatch)
	assert.Contains(t, err.Error(), "sample")
}

func TestFlowController_StartStopsAtFirstFailure(t *testing.T) {
	r, script, rec := newTestRig(t, testPort)
	script.On(1, transport.WriteSingleCoilFunc, 1).Fail(transport.ErrTimeout)

	_, err := await(t, r.Flow().Start())
	require.ErrorIs(t, err, transport.ErrTimeout)

	assert.Equal(t, []string{"1/coil/0=off", "1/coil/1=off"}, script.Writes())
	assert.Equal(t, 2, script.Count())

	msgs := rec.Messages()
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1], "Flow controller start failed")
}

func TestFlowController_UnknownCage(t *testing.T) {
	r, script, _ := newTestRig(t, testPort)
	r.Settings().Set(config.KeyCages, []int{1, 9})

	_, err := await(t, r.Flow().Start())
	require.ErrorIs(t, err, ErrUnknownCage)
	assert.Zero(t, script.Count())
}

func TestFlowController_RunRotatesAndStops(t *testing.T) {
	r, script, rec := newTestRig(t, testPort)
	script.On(1, transport.ReadInputRegistersFunc, 0).Return(5)

	_, err := await(t, r.Flow().Run())
	require.NoError(t, err)
	require.NotNil(t, r.Flow().Worker())

	require.Eventually(t, func() bool {
		return script.CountOf(1, transport.ReadInputRegistersFunc, 0) >= 4
	}, 2*time.Second, time.Millisecond)

	_, err = await(t, r.Flow().Stop())
	require.NoError(t, err)
	assert.Equal(t, worker.StoppedState, r.Flow().Worker().State())

	writes := script.Writes()
	require.GreaterOrEqual(t, len(writes), 10)
	assert.Equal(t, []string{"1/coil/10=off", "1/coil/11=on"}, writes[:2])
	assert.Equal(t, []string{"1/coil/11=off", "1/coil/12=on"}, writes[2:4])
	assert.Equal(t, []string{"1/coil/12=off", "1/coil/10=on"}, writes[4:6])
	assert.Equal(t, []string{"1/coil/10=off", "1/coil/11=off", "1/coil/12=off", "1/coil/2=off"}, writes[len(writes)-4:])

	var cageOne bool
	for _, m := range rec.Messages() {
		cageOne = cageOne || strings.HasSuffix(m, "Flow cage 1: 5.00")
	}
	assert.True(t, cageOne)
}

func TestFlowController_LowFlow(t *testing.T) {
	r, script, rec := newTestRig(t, testPort)
	r.Settings().Set(config.KeyCages, []int{2})
	r.Settings().Set(config.KeyFlowMinFlow, 10.0)
	script.On(1, transport.ReadInputRegistersFunc, 0).Return(5)

	_, err := await(t, r.Flow().Run())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, m := range rec.Messages() {
			if strings.Contains(m, "Flow fault on cage 2") {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)

	_, err = await(t, r.Flow().Stop())
	require.NoError(t, err)
	assert.Equal(t, []string{"1/coil/11=off", "1/coil/2=off"}, script.Writes(), "single cage never rotates")
}

func TestFlowController_RunTwice(t *testing.T) {
	r, script, _ := newTestRig(t, testPort)
	script.On(1, transport.ReadInputRegistersFunc, 0).Return(5)

	_, err := await(t, r.Flow().Run())
	require.NoError(t, err)

	_, err = r.Flow().Run().Result()
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, r.Flow().Pause())
	assert.Equal(t, worker.PausedState, r.Flow().Worker().State())
	require.NoError(t, r.Flow().Resume())
}

func TestSubsystem_PauseWithoutRun(t *testing.T) {
	r, _, _ := newTestRig(t, testPort)
	assert.ErrorIs(t, r.O2().Pause(), worker.ErrNotRunning)
	assert.ErrorIs(t, r.O2().Resume(), worker.ErrNotRunning)
}

func TestAnalyzer_Start(t *testing.T) {
	r, script, _ := newTestRig(t, testPort)
	script.On(2, transport.ReadHoldingRegistersFunc, 2).Return(1)

	_, err := await(t, r.CO2().Start())
	require.NoError(t, err)
	assert.Equal(t, []string{"2/coil/0=on"}, script.Writes())
}

func TestAnalyzer_StartNotReady(t *testing.T) {
	r, script, _ := newTestRig(t, testPort)
	script.On(3, transport.ReadHoldingRegistersFunc, 2).Return(0)

	_, err := await(t, r.O2().Start())
	require.ErrorIs(t, err, ErrNotReady)
}

func TestAnalyzer_StartMissingStatus(t *testing.T) {
	r, script, _ := newTestRig(t, testPort)
	script.On(3, transport.ReadHoldingRegistersFunc, 2).Return()

	_, err := await(t, r.O2().Start())
	require.ErrorIs(t, err, transport.ErrMissingField)
}

func TestAnalyzer_RunRecordsReadingsAndFaults(t *testing.T) {
	r, script, rec := newTestRig(t, testPort)
	script.On(2, transport.ReadInputRegistersFunc, 0).Sequence(0.4, 5.0)

	_, ok := r.Session().LastCarbon()
	assert.False(t, ok)

	_, err := await(t, r.CO2().Run())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, ok := r.Session().LastCarbon()
		return ok && v == 5.0
	}, 2*time.Second, time.Millisecond)

	_, err = await(t, r.CO2().Stop())
	require.NoError(t, err)

	assert.Equal(t, []string{"2/coil/0=off"}, script.Writes())

	faults := 0
	for _, m := range rec.Messages() {
		if strings.Contains(m, "CO2 sensor fault") {
			faults++
		}
	}
	assert.Equal(t, 1, faults, "only the 0.4 to 5.0 jump exceeds the fault threshold")
}

func TestAnalyzer_PollSurvivesTransportError(t *testing.T) {
	r, script, _ := newTestRig(t, testPort)
	script.On(3, transport.ReadInputRegistersFunc, 0).Fail(transport.ErrTimeout).Return(20.9)

	_, err := await(t, r.O2().Run())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, ok := r.Session().LastOxygen()
		return ok && v == 20.9
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), r.O2().Worker().Metrics().Failures.Load())
}

func TestAnalyzer_PollStopsOnMissingField(t *testing.T) {
	r, script, _ := newTestRig(t, testPort)
	script.On(3, transport.ReadInputRegistersFunc, 0).Return()

	_, err := await(t, r.O2().Run())
	require.NoError(t, err)

	w := r.O2().Worker()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.ErrorIs(t, w.Err(), transport.ErrMissingField)
}

func TestAnalyzer_Read(t *testing.T) {
	r, script, _ := newTestRig(t, testPort)
	script.On(3, transport.ReadInputRegistersFunc, 0).Sequence(20.9, 20.8)

	v, err := r.O2().Read(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 20.9, v, 1e-9)

	v, err = await(t, r.O2().ReadAsync())
	require.NoError(t, err)
	assert.InDelta(t, 20.8, v, 1e-9)

	req := script.Requests()[0]
	assert.Equal(t, uint8(3), req.TargetID)
	_, qty, _ := transport.AddressQuantity(req.Payload)
	assert.Equal(t, uint16(2), qty, "float32 spans two registers")
}

func TestAnalyzer_WriteZeroAndSpan(t *testing.T) {
	r, script, _ := newTestRig(t, testPort)

	_, err := await(t, r.CO2().WriteZero())
	require.NoError(t, err)
	assert.Equal(t, []string{"2/reg/20=1"}, script.Writes())

	_, err = await(t, r.O2().WriteSpan(20.95))
	require.NoError(t, err)
	assert.Equal(t, 1, script.CountOf(3, transport.WriteMultipleRegistersFunc, 30))

	_, err = r.CO2().WriteSpan(1).Result()
	assert.ErrorIs(t, err, ErrNoRegister)
	_, err = r.O2().WriteZero().Result()
	assert.ErrorIs(t, err, ErrNoRegister)
	assert.True(t, r.CO2().HasZeroRegister())
	assert.False(t, r.CO2().HasSpanRegister())
}

func TestRig_RunAllStopAll(t *testing.T) {
	r, script, _ := newTestRig(t, testPort)
	script.On(1, transport.ReadCoilsFunc, 0).Return(0, 0, 1, 1)
	script.On(2, transport.ReadHoldingRegistersFunc, 2).Return(1)
	script.On(3, transport.ReadHoldingRegistersFunc, 2).Return(1)
	script.On(1, transport.ReadInputRegistersFunc, 0).Return(5)
	script.On(2, transport.ReadInputRegistersFunc, 0).Return(0.4)
	script.On(3, transport.ReadInputRegistersFunc, 0).Return(20.9)

	_, err := await(t, r.RunAll())
	require.NoError(t, err)
	for _, s := range r.Subsystems() {
		require.NotNil(t, s.Worker(), s.Name())
		assert.NotEqual(t, worker.StoppedState, s.Worker().State(), s.Name())
	}

	_, err = await(t, r.StopAll())
	require.NoError(t, err)
	for _, s := range r.Subsystems() {
		assert.Equal(t, worker.StoppedState, s.Worker().State(), s.Name())
	}

	writes := script.Writes()
	index := func(w string) int {
		for i, got := range writes {
			if got == w {
				return i
			}
		}
		return -1
	}
	assert.Less(t, index("1/coil/10=on"), index("2/coil/0=on"))
	assert.Less(t, index("2/coil/0=on"), index("3/coil/0=on"))
	assert.Less(t, index("3/coil/0=off"), index("2/coil/0=off"))
	assert.Less(t, index("2/coil/0=off"), index("1/coil/2=off"))
	assert.Equal(t, "1/coil/2=off", writes[len(writes)-1])
}

func TestRig_RunAllFailsFast(t *testing.T) {
	r, script, _ := newTestRig(t, testPort)
	script.On(1, transport.ReadCoilsFunc, 0).Return(0, 0, 1, 1)
	script.On(1, transport.ReadInputRegistersFunc, 0).Return(5)
	script.On(2, transport.WriteSingleCoilFunc, 0).Fail(transport.ErrCommunication)

	_, err := await(t, r.RunAll())
	require.ErrorIs(t, err, transport.ErrCommunication)

	assert.NotNil(t, r.Flow().Worker())
	assert.Nil(t, r.CO2().Worker())
	assert.Nil(t, r.O2().Worker())
	assert.Zero(t, script.CountOf(3, transport.WriteSingleCoilFunc, 0))
}
