package transporttest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-gasrig/transport"
)

func TestScript_SequenceRepeatsLast(t *testing.T) {
	s := New()
	s.On(3, transport.ReadInputRegistersFunc, 0).Sequence(21.0, 20.5)

	req := transport.ReadInputs("p", 3, 0, 2, transport.Field{Description: "o2", Format: transport.Float32BE})
	var got []float64
	for i := 0; i < 4; i++ {
		resp, err := s.Send(context.Background(), req)
		require.NoError(t, err)
		v, err := resp.Require("o2")
		require.NoError(t, err)
		got = append(got, v)
	}

	assert.Equal(t, []float64{21.0, 20.5, 20.5, 20.5}, got)
	assert.Equal(t, 4, s.CountOf(3, transport.ReadInputRegistersFunc, 0))
}

func TestScript_FailThenRecover(t *testing.T) {
	s := New()
	s.On(1, transport.WriteSingleCoilFunc, 2).Fail(transport.ErrTimeout)

	_, err := s.Send(context.Background(), transport.WriteCoil("p", 1, 2, true))
	assert.ErrorIs(t, err, transport.ErrTimeout)

	_, err = s.Send(context.Background(), transport.WriteCoil("p", 1, 2, true))
	assert.ErrorIs(t, err, transport.ErrTimeout, "last reply repeats")

	resp, err := s.Send(context.Background(), transport.WriteCoil("p", 1, 5, false))
	require.NoError(t, err)
	addr, _ := resp.Value("address")
	assert.Equal(t, 5.0, addr)

	assert.Equal(t, []string{"1/coil/2=on", "1/coil/2=on", "1/coil/5=off"}, s.Writes())
}

func TestScript_UnscriptedRead(t *testing.T) {
	s := New()
	_, err := s.Send(context.Background(), transport.ReadCoils("p", 1, 0, 8))
	assert.ErrorIs(t, err, ErrUnscripted)
	assert.Equal(t, 1, s.Count())
}

func TestScript_MissingLayoutValue(t *testing.T) {
	s := New()
	s.On(1, transport.ReadCoilsFunc, 0).Return(1)

	resp, err := s.Send(context.Background(), transport.ReadCoils("p", 1, 0, 2,
		transport.Field{Description: "zero", Format: transport.Bool},
		transport.Field{Description: "span", Offset: 1, Format: transport.Bool}))
	require.NoError(t, err)

	_, err = resp.Require("span")
	assert.ErrorIs(t, err, transport.ErrMissingField)
}

func TestScript_LatencyHonoursContext(t *testing.T) {
	s := New()
	s.SetLatency(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Send(ctx, transport.WriteRegister("p", 1, 1, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.Reset()
	assert.Zero(t, s.Count())
}
