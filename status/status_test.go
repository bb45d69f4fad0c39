package status

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-gasrig/logger"
)

func fixedReporter(sinks ...Sink) *Reporter {
	r := NewReporter(sinks...)
	r.now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC) }

	return r
}

func TestReporter_TimestampsAndFansOut(t *testing.T) {
	var first, second Recorder
	r := fixedReporter(&first)
	r.Add(&second)
	r.Add(nil)

	r.Emit("sample valve open")
	r.Emitf("O2 %.2f %%", 20.95)

	want := []string{"2024-03-09 14:05:07 sample valve open", "2024-03-09 14:05:07 O2 20.95 %"}
	assert.Equal(t, want, first.Messages())
	assert.Equal(t, want, second.Messages())

	first.Reset()
	assert.Empty(t, first.Messages())
}

func TestReporter_Nil(t *testing.T) {
	var r *Reporter
	assert.NotPanics(t, func() {
		r.Emit("ignored")
		r.Emitf("ignored %d", 1)
	})
}

func TestLogSink(t *testing.T) {
	ml := logger.NewMockLogger()
	ml.On("Info", "status", mock.Anything).Return()

	LogSink(ml).Emit("pump on")
	ml.AssertCalled(t, "Info", "status", []any{"message", "pump on"})
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(logger.NewNopMockLogger())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	r := fixedReporter(hub)
	r.Emit("zero gas open")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	mt, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "2024-03-09 14:05:07 zero gas open", string(msg))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_SlowClientDropsMessages(t *testing.T) {
	hub := NewHub(logger.NewNopMockLogger())
	hub.queueSize = 1
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Emit("reading")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a slow client")
	}
}
