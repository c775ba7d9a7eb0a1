package chatsync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/teamchat/internal/logger"
)

var (
	ErrRecordingActive    = errors.New("recording already in progress")
	ErrNotRecording       = errors.New("not recording")
	ErrNoRecording        = errors.New("no recorded audio")
	ErrPermissionDenied   = errors.New("microphone permission denied")
	ErrRecordingCancelled = errors.New("recording cancelled")
)

// AudioStream — открытый захват с микрофона. Close освобождает устройство и прерывает Read.
type AudioStream interface {
	Read(p []byte) (int, error)
	Close() error
}

// AudioDevice открывает захват. Отказ в доступе оборачивает ErrPermissionDenied.
type AudioDevice interface {
	Open(ctx context.Context) (AudioStream, error)
}

type RecorderState int

const (
	RecorderIdle RecorderState = iota
	RecorderRecording
	RecorderStopped
	RecorderCancelled
)

func (s RecorderState) String() string {
	switch s {
	case RecorderRecording:
		return "recording"
	case RecorderStopped:
		return "stopped"
	case RecorderCancelled:
		return "cancelled"
	}
	return "idle"
}

// VoiceBlob — записанный звук, ждущий явной отправки.
type VoiceBlob struct {
	Data        []byte
	ContentType string
	Duration    time.Duration
}

// Recorder — единственная сессия записи голоса. Устройство закрывается на любом выходе из Recording.
type Recorder struct {
	device      AudioDevice
	toaster     Toaster
	clock       Clock
	contentType string

	mu        sync.Mutex
	state     RecorderState
	session   uint64
	stream    AudioStream
	buf       *bytes.Buffer
	done      chan struct{}
	started   time.Time
	blob      *VoiceBlob
	stopWatch func() bool
}

func NewRecorder(device AudioDevice, toaster Toaster, clock Clock) *Recorder {
	if clock == nil {
		clock = RealClock
	}
	if toaster == nil {
		toaster = nopToaster{}
	}
	return &Recorder{device: device, toaster: toaster, clock: clock, contentType: "audio/webm"}
}

func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start захватывает устройство. Отмена ctx равносильна Cancel.
// Cancel или Discard во время Open: поток закрывается сразу, Start возвращает ErrRecordingCancelled.
// Пока есть неотправленная запись (Stopped), новая сессия не начинается.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state == RecorderRecording || r.state == RecorderStopped {
		r.mu.Unlock()
		return ErrRecordingActive
	}
	// держим состояние Recording на время Open, чтобы второй Start не открыл устройство повторно
	r.state = RecorderRecording
	r.blob = nil
	r.session++
	session := r.session
	r.mu.Unlock()

	stream, err := r.device.Open(ctx)
	if err != nil {
		r.mu.Lock()
		opening := r.opening(session)
		if opening {
			r.state = RecorderIdle
		}
		r.mu.Unlock()
		if !opening {
			return ErrRecordingCancelled
		}
		if errors.Is(err, ErrPermissionDenied) {
			r.toaster.Error("Microphone access denied")
		} else {
			r.toaster.Error("Failed to start recording")
		}
		return err
	}

	buf := new(bytes.Buffer)
	done := make(chan struct{})
	r.mu.Lock()
	if !r.opening(session) {
		// Cancel/Discard пришёл во время Open: устройство сразу освобождается
		r.mu.Unlock()
		if err := stream.Close(); err != nil {
			logger.Debugf("chatsync: audio close: %v", err)
		}
		return ErrRecordingCancelled
	}
	r.stream = stream
	r.buf = buf
	r.done = done
	r.started = r.clock.Now()
	r.stopWatch = context.AfterFunc(ctx, func() { r.abandon(done) })
	r.mu.Unlock()

	go capture(stream, buf, done)
	return nil
}

// opening: сессия session ещё ждёт Open и никем не отменена. Вызывается под r.mu.
func (r *Recorder) opening(session uint64) bool {
	return r.session == session && r.state == RecorderRecording && r.stream == nil
}

func capture(stream AudioStream, buf *bytes.Buffer, done chan struct{}) {
	defer close(done)
	chunk := make([]byte, 4096)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debugf("chatsync: audio capture ended: %v", err)
			}
			return
		}
	}
}

// release закрывает поток и ждёт завершения чтения. Вызывается под r.mu из Recording.
func (r *Recorder) release() []byte {
	if r.stopWatch != nil {
		r.stopWatch()
		r.stopWatch = nil
	}
	if err := r.stream.Close(); err != nil {
		logger.Debugf("chatsync: audio close: %v", err)
	}
	<-r.done
	data := r.buf.Bytes()
	r.stream, r.buf, r.done = nil, nil, nil
	return data
}

// Stop завершает запись и сохраняет её до TakeBlob или Cancel.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RecorderRecording || r.stream == nil {
		return ErrNotRecording
	}
	data := r.release()
	r.blob = &VoiceBlob{Data: data, ContentType: r.contentType, Duration: r.clock.Now().Sub(r.started)}
	r.state = RecorderStopped
	return nil
}

// Cancel прерывает запись или отбрасывает готовую.
func (r *Recorder) Cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case RecorderRecording:
		// stream == nil: Open ещё не вернулся, Start сам закроет поток
		if r.stream != nil {
			r.release()
		}
	case RecorderStopped:
	default:
		return ErrNotRecording
	}
	r.blob = nil
	r.state = RecorderCancelled
	return nil
}

// abandon — отмена контекста сессии. Сессия, уже завершённая Stop/Cancel, не трогается.
func (r *Recorder) abandon(done chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RecorderRecording || r.done != done {
		return
	}
	r.release()
	r.blob = nil
	r.state = RecorderCancelled
}

// Discard возвращает рекордер в Idle из любого состояния, выбрасывая запись.
func (r *Recorder) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream != nil {
		r.release()
	}
	r.state = RecorderIdle
	r.blob = nil
}

// TakeBlob отдаёт запись на отправку и возвращает рекордер в Idle.
func (r *Recorder) TakeBlob() (*VoiceBlob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RecorderStopped || r.blob == nil {
		return nil, ErrNoRecording
	}
	b := r.blob
	r.blob = nil
	r.state = RecorderIdle
	return b, nil
}

// PutBack возвращает запись после неудачной отправки, чтобы её можно было отправить снова.
func (r *Recorder) PutBack(b *VoiceBlob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RecorderIdle && b != nil {
		r.blob = b
		r.state = RecorderStopped
	}
}
