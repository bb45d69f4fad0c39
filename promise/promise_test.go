package promise

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStep = errors.New("step failed")

func TestNew_SettlesOnce(t *testing.T) {
	var settled atomic.Int32
	var resolveFn func(int)
	var rejectFn func(error)

	p := New(func(resolve func(int), reject func(error)) {
		resolveFn = resolve
		rejectFn = reject
	})
	p.Finally(func() { settled.Add(1) })
	assert.Equal(t, Pending, p.State())

	resolveFn(1)
	resolveFn(2)
	rejectFn(errStep)

	assert.Equal(t, Fulfilled, p.State())
	assert.Equal(t, int32(1), settled.Load())

	v, err := p.Result()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestNew_RejectFirstWins(t *testing.T) {
	p := New(func(resolve func(string), reject func(error)) {
		reject(errStep)
		resolve("late")
		reject(errors.New("second"))
	})

	var caught []error
	p.Catch(func(err error) { caught = append(caught, err) })

	assert.Equal(t, Rejected, p.State())
	require.Len(t, caught, 1)
	assert.ErrorIs(t, caught[0], errStep)
}

func TestNew_NilRejectReason(t *testing.T) {
	p := New(func(_ func(int), reject func(error)) { reject(nil) })
	_, err := p.Result()
	assert.ErrorIs(t, err, ErrNilReason)
}

func TestNew_PanicRejects(t *testing.T) {
	p := New(func(func(int), func(error)) { panic("boom") })

	_, err := p.Result()
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Value)
}

func TestResult_Pending(t *testing.T) {
	p := New(func(func(int), func(error)) {})
	_, err := p.Result()
	assert.ErrorIs(t, err, ErrPending)
}

func TestThen_RejectionSkipsRemainingSteps(t *testing.T) {
	const n = 6

	for k := 1; k <= n; k++ {
		var ran []int
		var catches int

		p := Resolve(Void{})
		for i := 1; i <= n; i++ {
			p = Then(p, func(Void) *Promise[Void] {
				ran = append(ran, i)
				if i == k {
					return Reject[Void](errStep)
				}
				return Resolve(Void{})
			})
		}
		p.Catch(func(err error) {
			catches++
			assert.ErrorIs(t, err, errStep)
		})

		assert.Equal(t, 1, catches, "k=%d", k)
		require.Len(t, ran, k, "k=%d", k)
		assert.Equal(t, k, ran[len(ran)-1])
	}
}

func TestThen_CatchNotCalledOnSuccess(t *testing.T) {
	called := false
	p := Then(Resolve(2), func(v int) *Promise[int] { return Resolve(v * 21) })
	p.Catch(func(error) { called = true })

	v, err := p.Result()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.False(t, called)
}

func TestThen_FlattensAsyncInner(t *testing.T) {
	release := make(chan struct{})

	outer := Then(Resolve("co2"), func(name string) *Promise[string] {
		return Go(func() (string, error) {
			<-release
			return name + ":ok", nil
		})
	})
	assert.Equal(t, Pending, outer.State())

	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := outer.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "co2:ok", v)
}

func TestThen_NilContinuation(t *testing.T) {
	p := Then(Resolve(1), func(int) *Promise[int] { return nil })
	_, err := p.Result()
	assert.ErrorIs(t, err, ErrNilPromise)
}

func TestThen_ContinuationPanic(t *testing.T) {
	p := Then(Resolve(1), func(int) *Promise[int] { panic("bad step") })
	_, err := p.Result()
	var pe *PanicError
	assert.ErrorAs(t, err, &pe)
}

func TestThen_ResolvedFromOtherGoroutine(t *testing.T) {
	var resolveFn func(int)
	var wg sync.WaitGroup
	wg.Add(1)

	first := New(func(resolve func(int), _ func(error)) { resolveFn = resolve })
	var seen int
	second := Then(first, func(v int) *Promise[int] {
		seen = v
		return Resolve(v + 1)
	})

	go func() {
		defer wg.Done()
		resolveFn(7)
	}()
	wg.Wait()

	v, err := second.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, seen)
	assert.Equal(t, 8, v)
}

func TestMap(t *testing.T) {
	p := Map(Resolve(20.5), func(v float64) (string, error) {
		if v > 20 {
			return "high", nil
		}
		return "", errStep
	})
	v, err := p.Result()
	require.NoError(t, err)
	assert.Equal(t, "high", v)

	failed := Map(Resolve(1.0), func(float64) (int, error) { return 0, errStep })
	_, err = failed.Result()
	assert.ErrorIs(t, err, errStep)
}

func TestRecover(t *testing.T) {
	p := Recover(Reject[int](errStep), func(err error) *Promise[int] {
		assert.ErrorIs(t, err, errStep)
		return Resolve(-1)
	})
	v, err := p.Result()
	require.NoError(t, err)
	assert.Equal(t, -1, v)

	passthrough := Recover(Resolve(3), func(error) *Promise[int] {
		t.Fatal("recover called on success")
		return nil
	})
	v, err = passthrough.Result()
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestChain_Order(t *testing.T) {
	var order []string
	step := func(name string, err error) func() *Promise[Void] {
		return func() *Promise[Void] {
			order = append(order, name)
			if err != nil {
				return Reject[Void](err)
			}
			return Resolve(Void{})
		}
	}

	p := Chain(step("close", nil), step("open", nil), step("confirm", nil))
	_, err := p.Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"close", "open", "confirm"}, order)

	order = nil
	p = Chain(step("close", nil), step("open", errStep), step("confirm", nil))
	_, err = p.Result()
	require.ErrorIs(t, err, errStep)
	assert.Equal(t, []string{"close", "open"}, order)
}

func TestAwait_ContextDone(t *testing.T) {
	p := New(func(func(int), func(error)) {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Await(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Pending, p.State())
}

func TestOnUnhandledRejection(t *testing.T) {
	reported := make(chan error, 4)
	OnUnhandledRejection(func(err error) { reported <- err })
	defer OnUnhandledRejection(nil)

	func() {
		_ = Reject[int](errStep)
	}()

	observed := Reject[int](errors.New("observed"))
	observed.Catch(func(error) {})

	require.Eventually(t, func() bool {
		runtime.GC()
		select {
		case err := <-reported:
			return errors.Is(err, errStep)
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	runtime.KeepAlive(observed)
}
