package chatsync

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice отдаёт chunks, затем блокируется в Read до Close.
type fakeDevice struct {
	mu      sync.Mutex
	opens   int
	streams []*fakeStream
	err     error
	chunks  [][]byte
}

type fakeStream struct {
	chunks chan []byte
	closed chan struct{}
	once   sync.Once
}

func (d *fakeDevice) Open(context.Context) (AudioStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.opens++
	s := &fakeStream{chunks: make(chan []byte, len(d.chunks)), closed: make(chan struct{})}
	for _, c := range d.chunks {
		s.chunks <- c
	}
	d.streams = append(d.streams, s)
	return s, nil
}

// active — число открытых и не освобождённых потоков.
func (d *fakeDevice) active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.streams {
		if !s.released() {
			n++
		}
	}
	return n
}

func (s *fakeStream) Read(p []byte) (int, error) {
	select {
	case c := <-s.chunks:
		return copy(p, c), nil
	case <-s.closed:
		return 0, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) released() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type toastLog struct {
	mu   sync.Mutex
	msgs []string
}

func (l *toastLog) Error(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *toastLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.msgs...)
}

// waitBuffered ждёт, пока захват вычитает все заранее поданные куски.
func waitBuffered(t *testing.T, d *fakeDevice) {
	t.Helper()
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.streams) > 0 && len(d.streams[len(d.streams)-1].chunks) == 0
	}, time.Second, time.Millisecond)
}

func TestRecorderStopKeepsBlob(t *testing.T) {
	dev := &fakeDevice{chunks: [][]byte{[]byte("ab"), []byte("cd")}}
	clock := newFakeClock()
	rec := NewRecorder(dev, nil, clock)

	require.NoError(t, rec.Start(context.Background()))
	assert.Equal(t, RecorderRecording, rec.State())
	assert.ErrorIs(t, rec.Start(context.Background()), ErrRecordingActive)
	waitBuffered(t, dev)

	clock.Advance(4 * time.Second)
	require.NoError(t, rec.Stop())
	assert.Equal(t, RecorderStopped, rec.State())
	assert.Equal(t, 0, dev.active())

	blob, err := rec.TakeBlob()
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), blob.Data)
	assert.Equal(t, "audio/webm", blob.ContentType)
	assert.Equal(t, 4*time.Second, blob.Duration)
	assert.Equal(t, RecorderIdle, rec.State())

	_, err = rec.TakeBlob()
	assert.ErrorIs(t, err, ErrNoRecording)
}

func TestRecorderCancelReleasesDevice(t *testing.T) {
	dev := &fakeDevice{chunks: [][]byte{[]byte("partial")}}
	rec := NewRecorder(dev, nil, nil)

	require.NoError(t, rec.Start(context.Background()))
	waitBuffered(t, dev)
	require.NoError(t, rec.Cancel())

	assert.Equal(t, RecorderCancelled, rec.State())
	assert.Equal(t, 0, dev.active())
	_, err := rec.TakeBlob()
	assert.ErrorIs(t, err, ErrNoRecording)

	// после отмены можно начать заново
	require.NoError(t, rec.Start(context.Background()))
	rec.Discard()
	assert.Equal(t, RecorderIdle, rec.State())
	assert.Equal(t, 0, dev.active())
	assert.Equal(t, 2, dev.opens)
}

func TestRecorderCancelAfterStopDiscards(t *testing.T) {
	dev := &fakeDevice{}
	rec := NewRecorder(dev, nil, nil)
	require.NoError(t, rec.Start(context.Background()))
	require.NoError(t, rec.Stop())
	require.NoError(t, rec.Cancel())
	assert.Equal(t, RecorderCancelled, rec.State())
	_, err := rec.TakeBlob()
	assert.ErrorIs(t, err, ErrNoRecording)
	assert.ErrorIs(t, rec.Stop(), ErrNotRecording)
}

func TestRecorderContextCancelReleasesDevice(t *testing.T) {
	dev := &fakeDevice{}
	rec := NewRecorder(dev, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, rec.Start(ctx))
	cancel()

	require.Eventually(t, func() bool { return rec.State() == RecorderCancelled }, time.Second, time.Millisecond)
	assert.Equal(t, 0, dev.active())
}

func TestRecorderPermissionDenied(t *testing.T) {
	dev := &fakeDevice{err: errors.Join(ErrPermissionDenied, errors.New("NotAllowedError"))}
	toasts := &toastLog{}
	rec := NewRecorder(dev, toasts, nil)

	err := rec.Start(context.Background())
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, RecorderIdle, rec.State())
	assert.Equal(t, []string{"Microphone access denied"}, toasts.get())
	assert.Equal(t, 0, dev.active())
}

func TestRecorderDiscardWhileRecordingAllowsRestart(t *testing.T) {
	dev := &fakeDevice{chunks: [][]byte{[]byte("xy")}}
	rec := NewRecorder(dev, nil, nil)

	require.NoError(t, rec.Start(context.Background()))
	waitBuffered(t, dev)
	rec.Discard()
	assert.Equal(t, RecorderIdle, rec.State())
	assert.Equal(t, 0, dev.active())
	_, err := rec.TakeBlob()
	assert.ErrorIs(t, err, ErrNoRecording)

	require.NoError(t, rec.Start(context.Background()))
	assert.Equal(t, RecorderRecording, rec.State())
	require.NoError(t, rec.Stop())
	require.NoError(t, rec.Cancel())
	assert.Equal(t, RecorderCancelled, rec.State())
	assert.Equal(t, 0, dev.active())
	assert.Equal(t, 2, dev.opens)
}

// slowDevice держит Open, пока тест не закроет gate.
type slowDevice struct {
	fakeDevice
	entered chan struct{}
	gate    chan struct{}
}

func newSlowDevice() *slowDevice {
	return &slowDevice{entered: make(chan struct{}, 1), gate: make(chan struct{})}
}

func (d *slowDevice) Open(ctx context.Context) (AudioStream, error) {
	d.entered <- struct{}{}
	<-d.gate
	return d.fakeDevice.Open(ctx)
}

func TestRecorderAbortWhileOpening(t *testing.T) {
	cases := []struct {
		name  string
		abort func(*Recorder) error
		want  RecorderState
	}{
		{"cancel", (*Recorder).Cancel, RecorderCancelled},
		{"discard", func(r *Recorder) error { r.Discard(); return nil }, RecorderIdle},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dev := newSlowDevice()
			rec := NewRecorder(dev, nil, nil)

			started := make(chan error, 1)
			go func() { started <- rec.Start(context.Background()) }()
			<-dev.entered

			assert.ErrorIs(t, rec.Stop(), ErrNotRecording)
			require.NoError(t, tc.abort(rec))
			assert.Equal(t, tc.want, rec.State())

			close(dev.gate)
			assert.ErrorIs(t, <-started, ErrRecordingCancelled)
			assert.Equal(t, tc.want, rec.State())
			assert.Equal(t, 1, dev.opens)
			assert.Equal(t, 0, dev.active())

			// устройство свободно для новой сессии (entered буферизован, gate уже закрыт)
			require.NoError(t, rec.Start(context.Background()))
			require.NoError(t, rec.Stop())
			assert.Equal(t, 0, dev.active())
		})
	}
}

func TestRecorderRestartWhileStaleOpenPending(t *testing.T) {
	dev := newSlowDevice()
	rec := NewRecorder(dev, nil, nil)

	first := make(chan error, 1)
	go func() { first <- rec.Start(context.Background()) }()
	<-dev.entered
	rec.Discard()

	// вторая сессия стартует, пока первая ещё в Open
	second := make(chan error, 1)
	go func() { second <- rec.Start(context.Background()) }()
	<-dev.entered
	close(dev.gate)

	assert.ErrorIs(t, <-first, ErrRecordingCancelled)
	require.NoError(t, <-second)
	assert.Equal(t, RecorderRecording, rec.State())
	assert.Equal(t, 1, dev.active())
	require.NoError(t, rec.Stop())
	assert.Equal(t, 0, dev.active())
}
