package transport

import (
	"bufio"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wagiedev/stdioplugin-go/internal/errors"
	"github.com/wagiedev/stdioplugin-go/internal/message"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMessage(t *testing.T, id string) *message.Message {
	t.Helper()

	msg, err := message.New(id, message.TypeRequest, message.MethodLog, nil)
	require.NoError(t, err)

	return msg
}

// failingWriter fails every write.
type failingWriter struct {
	writes atomic.Int32
}

func (w *failingWriter) Write([]byte) (int, error) {
	w.writes.Add(1)

	return 0, stderrors.New("disk on fire")
}

func (w *failingWriter) Close() error { return nil }

// blockingWriter blocks every write until closed.
type blockingWriter struct {
	once   sync.Once
	closed chan struct{}
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{closed: make(chan struct{})}
}

func (w *blockingWriter) Write([]byte) (int, error) {
	<-w.closed

	return 0, io.ErrClosedPipe
}

func (w *blockingWriter) Close() error {
	w.once.Do(func() { close(w.closed) })

	return nil
}

// collector records receiver events.
type collector struct {
	mu       sync.Mutex
	messages []*message.Message
	faults   []error
	faulted  chan struct{}
	received chan struct{}
}

func collect(r *Receiver) *collector {
	c := &collector{
		faulted:  make(chan struct{}, 16),
		received: make(chan struct{}, 16),
	}

	r.MessageReceived().AddListener(func(_ context.Context, msg *message.Message) {
		c.mu.Lock()
		c.messages = append(c.messages, msg)
		c.mu.Unlock()
		c.received <- struct{}{}
	}, "test")

	r.Faulted().AddListener(func(_ context.Context, err error) {
		c.mu.Lock()
		c.faults = append(c.faults, err)
		c.mu.Unlock()
		c.faulted <- struct{}{}
	}, "test")

	return c
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.messages))
	for _, msg := range c.messages {
		ids = append(ids, msg.RequestID())
	}

	return ids
}

func (c *collector) faultCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.faults)
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSender_WritesLinesInOrder(t *testing.T) {
	pr, pw := io.Pipe()
	sender := NewSender(nopLogger(), pw)
	require.NoError(t, sender.Connect())

	lines := make(chan string, 3)

	go func() {
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			lines <- scanner.Text()
		}

		close(lines)
	}()

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, sender.Send(ctx, newMessage(t, id)))
	}

	for _, id := range []string{"a", "b", "c"} {
		line := <-lines
		decoded, err := message.Unmarshal([]byte(line))
		require.NoError(t, err)
		require.Equal(t, id, decoded.RequestID())
	}

	require.NoError(t, sender.Close())
}

func TestSender_ConnectTwice(t *testing.T) {
	sender := NewSender(nopLogger(), newBlockingWriter())
	require.NoError(t, sender.Connect())
	require.ErrorIs(t, sender.Connect(), errors.ErrAlreadyConnected)
	require.NoError(t, sender.Close())
}

func TestSender_SendAfterClose(t *testing.T) {
	sender := NewSender(nopLogger(), newBlockingWriter())
	require.NoError(t, sender.Close())

	err := sender.Send(context.Background(), newMessage(t, "a"))
	require.ErrorIs(t, err, errors.ErrSenderClosed)
	require.ErrorIs(t, sender.Connect(), errors.ErrSenderClosed)
}

func TestSender_CancelBeforeWriteSkipsMessage(t *testing.T) {
	w := &failingWriter{}
	sender := NewSender(nopLogger(), w)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)

	go func() {
		errCh <- sender.Send(ctx, newMessage(t, "a"))
	}()

	// Not connected yet, so the message stays queued until cancelled.
	require.Eventually(t, func() bool { return sender.queue.Len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-errCh
	require.ErrorIs(t, err, errors.ErrOperationCancelled)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, sender.Connect())
	require.NoError(t, sender.Close())
	require.Zero(t, w.writes.Load())
}

func TestSender_WriteFailureMarksStreamUnusable(t *testing.T) {
	w := &failingWriter{}
	sender := NewSender(nopLogger(), w)
	require.NoError(t, sender.Connect())

	err := sender.Send(context.Background(), newMessage(t, "a"))

	transportErr, ok := stderrors.AsType[*errors.TransportError](err)
	require.True(t, ok, "expected TransportError, got %v", err)
	require.Equal(t, "write", transportErr.Op)

	err = sender.Send(context.Background(), newMessage(t, "b"))
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, int32(1), w.writes.Load())

	require.NoError(t, sender.Close())
}

func TestSender_CloseFailsQueuedMessages(t *testing.T) {
	sender := NewSender(nopLogger(), newBlockingWriter())
	require.NoError(t, sender.Connect())

	var wg sync.WaitGroup

	errs := make(chan error, 5)

	for i := range 5 {
		wg.Go(func() {
			errs <- sender.Send(context.Background(), newMessage(t, string(rune('a'+i))))
		})
	}

	// One message is stuck writing, the rest are queued.
	require.Eventually(t, func() bool { return sender.queue.Len() == 4 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sender.Close())
	wg.Wait()
	close(errs)

	closed := 0

	for err := range errs {
		require.Error(t, err)

		if stderrors.Is(err, errors.ErrSenderClosed) {
			closed++
		}
	}

	require.Equal(t, 4, closed)
}

func TestSender_ConcurrentSends(t *testing.T) {
	pr, pw := io.Pipe()
	sender := NewSender(nopLogger(), pw)
	require.NoError(t, sender.Connect())

	count := make(chan int, 1)

	go func() {
		n := 0
		scanner := bufio.NewScanner(pr)

		for scanner.Scan() {
			_, err := message.Unmarshal(scanner.Bytes())
			if err == nil {
				n++
			}
		}

		count <- n
	}()

	var wg sync.WaitGroup

	for range 100 {
		wg.Go(func() {
			_ = sender.Send(context.Background(), newMessage(t, "x"))
		})
	}

	wg.Wait()
	require.NoError(t, sender.Close())
	require.Equal(t, 100, <-count)
}

func TestReceiver_ConcatenatedDocuments(t *testing.T) {
	input := `{"RequestId":"one","Type":"Request","Method":"Log"}{"RequestId":"two","Type":"Response","Method":"Log"}`
	pr, pw := io.Pipe()

	receiver := NewReceiver(nopLogger(), pr)
	c := collect(receiver)
	require.NoError(t, receiver.Connect())

	_, err := pw.Write([]byte(input))
	require.NoError(t, err)

	waitSignal(t, c.received)
	waitSignal(t, c.received)
	require.Equal(t, []string{"one", "two"}, c.ids())
	require.Zero(t, c.faultCount())

	require.NoError(t, receiver.Close())
}

func TestReceiver_MalformedFaultsOnce(t *testing.T) {
	input := `{"RequestId":"one","Type":"Request","Method":"Log"}` + "\n" +
		`{"RequestId":"two","Type":"Bogus","Method":"Log"}` + "\n" +
		`{"RequestId":"three","Type":"Request","Method":"Log"}` + "\n"

	receiver := NewReceiver(nopLogger(), io.NopCloser(strings.NewReader(input)))
	c := collect(receiver)
	require.NoError(t, receiver.Connect())

	waitSignal(t, c.faulted)

	// Give a second fault a chance to show up.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, c.faultCount())
	require.Equal(t, []string{"one"}, c.ids())

	c.mu.Lock()
	fault := c.faults[0]
	c.mu.Unlock()

	protocolErr, ok := stderrors.AsType[*errors.ProtocolError](fault)
	require.True(t, ok)

	_, ok = stderrors.AsType[*errors.MalformedMessageError](protocolErr)
	require.True(t, ok)

	require.NoError(t, receiver.Close())
}

func TestReceiver_InvalidJSON(t *testing.T) {
	receiver := NewReceiver(nopLogger(), io.NopCloser(strings.NewReader("not json\n")))
	c := collect(receiver)
	require.NoError(t, receiver.Connect())

	waitSignal(t, c.faulted)

	c.mu.Lock()
	fault := c.faults[0]
	c.mu.Unlock()

	_, ok := stderrors.AsType[*errors.MalformedMessageError](fault)
	require.True(t, ok)

	require.NoError(t, receiver.Close())
}

func TestReceiver_EndOfStreamFaults(t *testing.T) {
	pr, pw := io.Pipe()

	receiver := NewReceiver(nopLogger(), pr)
	c := collect(receiver)
	require.NoError(t, receiver.Connect())

	require.NoError(t, pw.Close())
	waitSignal(t, c.faulted)

	c.mu.Lock()
	fault := c.faults[0]
	c.mu.Unlock()

	require.ErrorIs(t, fault, io.EOF)

	require.NoError(t, receiver.Close())
}

func TestReceiver_CloseSuppressesFault(t *testing.T) {
	pr, _ := io.Pipe()

	receiver := NewReceiver(nopLogger(), pr)
	c := collect(receiver)
	require.NoError(t, receiver.Connect())
	require.ErrorIs(t, receiver.Connect(), errors.ErrAlreadyConnected)

	require.NoError(t, receiver.Close())
	require.NoError(t, receiver.Close())

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, c.faultCount())
}

func TestQueue_FIFOAndClose(t *testing.T) {
	q := newQueue[int]()

	for i := range 10 {
		require.True(t, q.Push(i))
	}

	q.Close()
	require.False(t, q.Push(99))

	for i := range 10 {
		v, ok := q.Pop(nil)
		require.True(t, ok)
		require.Equal(t, i, v)
	}

	_, ok := q.Pop(nil)
	require.False(t, ok)
}

func TestQueue_PopStops(t *testing.T) {
	q := newQueue[int]()
	stop := make(chan struct{})

	done := make(chan bool, 1)

	go func() {
		_, ok := q.Pop(stop)
		done <- ok
	}()

	close(stop)
	require.False(t, <-done)
}
