package sse

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParserSkipsCommentsAndEmptyLines(t *testing.T) {
	raw := ": keepalive\n\n" +
		"data: {\"n\":1}\n\n" +
		": another comment\n" +
		"data: {\"n\":2}\n\n" +
		"data: [DONE]\n\n"
	p := NewParser(strings.NewReader(raw))

	ev, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, `{"n":1}`, ev.Data)

	ev, err = p.Next()
	require.NoError(t, err)
	require.Equal(t, `{"n":2}`, ev.Data)

	ev, err = p.Next()
	require.NoError(t, err)
	require.True(t, ev.IsDone())

	_, err = p.Next()
	require.Equal(t, io.EOF, err)
}

func TestParserJoinsMultiLineData(t *testing.T) {
	raw := "event: delta\nid: 7\nretry: 1500\ndata: first\ndata: second\n\n"
	p := NewParser(strings.NewReader(raw))

	ev, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, "delta", ev.Type)
	require.Equal(t, "7", ev.ID)
	require.Equal(t, 1500, ev.Retry)
	require.Equal(t, "first\nsecond", ev.Data)
}

func TestParserToleratesCRLF(t *testing.T) {
	raw := "data: hello\r\n\r\n"
	p := NewParser(strings.NewReader(raw))
	ev, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, "hello", ev.Data)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	em := NewEmitter(&buf)
	want := []Event{
		{Type: "chunk", ID: "1", Data: `{"delta":"a"}`},
		{Data: `{"delta":"b"}`},
	}
	for _, ev := range want {
		require.NoError(t, em.WriteEvent(ev))
	}
	require.NoError(t, em.WriteDone())

	p := NewParser(&buf)
	for _, w := range want {
		got, err := p.Next()
		require.NoError(t, err)
		require.Equal(t, w.Type, got.Type)
		require.Equal(t, w.ID, got.ID)
		require.Equal(t, w.Data, got.Data)
	}
	done, err := p.Next()
	require.NoError(t, err)
	require.True(t, done.IsDone())
}

func TestPumpEmitsHeartbeatWhenIdle(t *testing.T) {
	var buf bytes.Buffer
	em := NewEmitter(&buf)
	events := make(chan Event)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- em.Pump(ctx, events, 10*time.Millisecond) }()

	time.Sleep(35 * time.Millisecond)
	events <- Event{Data: "payload"}
	time.Sleep(5 * time.Millisecond)
	cancel()
	require.Equal(t, context.Canceled, <-errc)

	out := buf.String()
	require.Contains(t, out, ": keepalive\n\n")
	require.Contains(t, out, "data: payload\n\n")
}

func TestPipeBackpressureBlocksProducer(t *testing.T) {
	p := NewPipe(1)
	ctx := context.Background()
	require.NoError(t, p.Send(ctx, Event{Data: "1"}))

	sent := make(chan struct{})
	go func() {
		_ = p.Send(ctx, Event{Data: "2"})
		close(sent)
	}()

	select {
	case <-sent:
		t.Fatal("send should block while the buffer is full")
	case <-time.After(20 * time.Millisecond):
	}

	<-p.Events() // drain one, unblocking the producer
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("producer did not unblock after drain")
	}
}

func TestPipeSendRespectsCancellation(t *testing.T) {
	p := NewPipe(1)
	require.NoError(t, p.Send(context.Background(), Event{Data: "fill"}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.Send(ctx, Event{Data: "blocked"})
	require.Equal(t, context.Canceled, err)
}

func TestPipeCloseCarriesTerminalError(t *testing.T) {
	p := NewPipe(2)
	require.NoError(t, p.Send(context.Background(), Event{Data: "only"}))
	p.Close(io.ErrUnexpectedEOF)

	var got []Event
	for ev := range p.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	require.Equal(t, io.ErrUnexpectedEOF, p.Err())
}
