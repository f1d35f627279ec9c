package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"teleclaude/internal/clock"
	"teleclaude/internal/config"
	"teleclaude/internal/domain"
	"teleclaude/internal/log"
	"teleclaude/internal/mux"
	"teleclaude/internal/persist"
	"teleclaude/internal/watcher"
)

const (
	modePane = "pane"
	modeFile = "file"

	// sinkFilename is the file an agent writes inside its session sink dir.
	sinkFilename = "output.log"

	// maxOutputBytes caps the accumulated text per session. Adapters only
	// ever render the latest text, so older output can fall off the front.
	maxOutputBytes = 64 * 1024

	defaultPollInterval = 2 * time.Second
)

// Compile-time check that ObserverManager persists its offsets.
var _ persist.Persistable = (*ObserverManager)(nil)

// observerState is one session's slice of the persisted state file.
type observerState struct {
	Offset    int64 `json:"offset"`
	StartedAt int64 `json:"started_at,omitempty"`
}

// ObserverManager runs one output observer per live session. Observers turn
// agent output into domain.session.output envelopes from whichever source
// the session has: the pane capture by default, or the session sink file
// once the agent starts writing one. Sink offsets survive restarts through
// the persist host, so a restart does not re-emit output already delivered.
type ObserverManager struct {
	cfg     config.Config
	mux     mux.Client
	clk     clock.Clock
	publish PublishFunc

	mu        sync.Mutex
	observers map[string]*observer
	saved     map[string]observerState
}

// NewObserverManager creates a manager; observers start via Ensure.
func NewObserverManager(cfg config.Config, muxClient mux.Client, clk clock.Clock, publish PublishFunc) *ObserverManager {
	return &ObserverManager{
		cfg:       cfg,
		mux:       muxClient,
		clk:       clk,
		publish:   publish,
		observers: make(map[string]*observer),
		saved:     make(map[string]observerState),
	}
}

// Ensure starts an observer for the session if none is running.
func (m *ObserverManager) Ensure(sess *domain.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.observers[sess.SessionID]; ok {
		return
	}

	pollEvery := m.cfg.Mux.PollInterval
	if pollEvery <= 0 {
		pollEvery = defaultPollInterval
	}

	o := &observer{
		sessionID:    sess.SessionID,
		muxName:      sess.MuxName,
		sinkPath:     filepath.Join(m.cfg.SessionSinkDir(sess.SessionID), sinkFilename),
		pollEvery:    pollEvery,
		captureLines: m.cfg.Mux.CaptureLines,
		mux:          m.mux,
		clk:          m.clk,
		publish:      m.publish,
		differ:       diffmatchpatch.New(),
		done:         make(chan struct{}),
	}
	if st, ok := m.saved[sess.SessionID]; ok {
		o.offset = st.Offset
		if st.StartedAt > 0 {
			o.startedAt = time.UnixMilli(st.StartedAt)
		}
		delete(m.saved, sess.SessionID)
	}

	m.observers[sess.SessionID] = o
	o.start()

	log.Debug(log.CatSession, "observer started",
		"sessionID", sess.SessionID,
		"sink", o.sinkPath)
}

// Stop shuts down the session's observer, if any.
func (m *ObserverManager) Stop(sessionID string) {
	m.mu.Lock()
	o, ok := m.observers[sessionID]
	if ok {
		delete(m.observers, sessionID)
	}
	m.mu.Unlock()

	if ok {
		o.stop()
	}
}

// StopAll shuts down every observer. Called at daemon shutdown.
func (m *ObserverManager) StopAll() {
	m.mu.Lock()
	observers := m.observers
	m.observers = make(map[string]*observer)
	m.mu.Unlock()

	for _, o := range observers {
		o.stop()
	}
}

// Snapshot returns the session's accumulated output text. ok is false until
// the observer has seen any output.
func (m *ObserverManager) Snapshot(sessionID string) (string, bool) {
	m.mu.Lock()
	o, ok := m.observers[sessionID]
	m.mu.Unlock()
	if !ok {
		return "", false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.buf) == 0 {
		return "", false
	}
	return string(o.buf), true
}

// Name implements persist.Persistable.
func (m *ObserverManager) Name() string { return "observer-offsets" }

// CaptureState implements persist.Persistable.
func (m *ObserverManager) CaptureState() (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[string]observerState, len(m.observers)+len(m.saved))
	for id, st := range m.saved {
		states[id] = st
	}
	for id, o := range m.observers {
		states[id] = o.state()
	}
	return json.Marshal(states)
}

// RestoreState implements persist.Persistable.
func (m *ObserverManager) RestoreState(raw json.RawMessage) error {
	var states map[string]observerState
	if err := json.Unmarshal(raw, &states); err != nil {
		return fmt.Errorf("unmarshaling observer offsets: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range states {
		m.saved[id] = st
	}
	return nil
}

// observer follows one session's output. The run goroutine owns mode,
// lastCapture, and all source reads; mu guards the fields Snapshot and
// CaptureState touch from outside (buf, offset, startedAt, seq).
type observer struct {
	sessionID    string
	muxName      string
	sinkPath     string
	pollEvery    time.Duration
	captureLines int

	mux     mux.Client
	clk     clock.Clock
	publish PublishFunc
	differ  *diffmatchpatch.DiffMatchPatch

	mode        string
	lastCapture string

	mu        sync.Mutex
	buf       []byte
	offset    int64
	startedAt time.Time
	seq       uint64

	done        chan struct{}
	fileWatcher *watcher.Watcher
}

func (o *observer) start() {
	var onChange <-chan struct{}
	w, err := watcher.New(watcher.DefaultConfig(o.sinkPath))
	if err != nil {
		log.ErrorErr(log.CatSession, "observer file watcher unavailable", err,
			"sessionID", o.sessionID)
	} else if ch, startErr := w.Start(); startErr != nil {
		log.ErrorErr(log.CatSession, "observer file watch failed", startErr,
			"sessionID", o.sessionID, "sink", o.sinkPath)
		_ = w.Stop()
	} else {
		o.fileWatcher = w
		onChange = ch
	}

	// A sink left over from before a restart means the agent writes files;
	// skip pane polling entirely and resume from the persisted offset.
	if _, err := os.Stat(o.sinkPath); err == nil {
		o.mode = modeFile
	} else {
		o.mode = modePane
	}

	log.SafeGo("observer:"+o.sessionID, func() { o.run(onChange) })
}

func (o *observer) stop() {
	close(o.done)
	if o.fileWatcher != nil {
		_ = o.fileWatcher.Stop()
	}
}

func (o *observer) run(onChange <-chan struct{}) {
	if o.mode == modeFile {
		o.readSink()
	}

	timer := o.clk.NewTimer(o.pollEvery)
	defer func() { timer.Stop() }()

	for {
		select {
		case <-o.done:
			return
		case <-onChange:
			o.readSink()
		case <-timer.C():
			if o.mode == modePane {
				o.capturePane()
			}
			timer = o.clk.NewTimer(o.pollEvery)
		}
	}
}

// readSink emits bytes appended to the sink file since the last read. The
// first successful open permanently flips the observer to file mode.
func (o *observer) readSink() {
	f, err := os.Open(o.sinkPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.ErrorErr(log.CatSession, "observer sink open failed", err,
				"sessionID", o.sessionID)
		}
		return
	}
	defer func() { _ = f.Close() }()

	o.mode = modeFile

	info, err := f.Stat()
	if err != nil {
		log.ErrorErr(log.CatSession, "observer sink stat failed", err,
			"sessionID", o.sessionID)
		return
	}

	o.mu.Lock()
	offset := o.offset
	o.mu.Unlock()

	if info.Size() < offset {
		// Sink truncated or replaced; read it from the top.
		offset = 0
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		log.ErrorErr(log.CatSession, "observer sink seek failed", err,
			"sessionID", o.sessionID)
		return
	}
	data, err := io.ReadAll(f)
	if err != nil {
		log.ErrorErr(log.CatSession, "observer sink read failed", err,
			"sessionID", o.sessionID)
		return
	}

	o.mu.Lock()
	o.offset = offset + int64(len(data))
	o.mu.Unlock()

	if len(data) == 0 {
		return
	}
	o.append(data)
	o.emit()
}

// capturePane polls the pane and emits whatever the capture added over the
// previous one.
func (o *observer) capturePane() {
	text, err := o.mux.CapturePane(context.Background(), o.muxName, o.captureLines)
	if err != nil {
		// Pane liveness reconciliation is the session service's job;
		// keep polling until stopped.
		log.Debug(log.CatSession, "pane capture failed",
			"sessionID", o.sessionID, "error", err)
		return
	}

	appended := o.appendedText(o.lastCapture, text)
	o.lastCapture = text
	if appended == "" {
		return
	}
	o.append([]byte(appended))
	o.emit()
}

// appendedText extracts what curr added over prev. The pane is a sliding
// viewport, so successive captures overlap; diffing at line granularity
// keeps shared lines aligned and yields the newly written lines as inserts.
// Char-level diffing would pair up look-alike lines instead. Results carry
// a trailing newline so accumulated output stays line-structured.
func (o *observer) appendedText(prev, curr string) string {
	if curr == "" {
		return ""
	}
	if !strings.HasSuffix(curr, "\n") {
		curr += "\n"
	}
	if prev != "" && !strings.HasSuffix(prev, "\n") {
		prev += "\n"
	}
	if prev == "" {
		return curr
	}
	if curr == prev {
		return ""
	}

	prevChars, currChars, lines := o.differ.DiffLinesToChars(prev, curr)
	diffs := o.differ.DiffMain(prevChars, currChars, false)
	diffs = o.differ.DiffCharsToLines(diffs, lines)

	var b strings.Builder
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffInsert {
			b.WriteString(d.Text)
		}
	}
	return b.String()
}

func (o *observer) append(data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf = append(o.buf, data...)
	if len(o.buf) > maxOutputBytes {
		o.buf = o.buf[len(o.buf)-maxOutputBytes:]
	}
}

func (o *observer) emit() {
	now := o.clk.Now()

	o.mu.Lock()
	if o.startedAt.IsZero() {
		o.startedAt = now
	}
	o.seq++
	seq := o.seq
	update := domain.OutputUpdate{
		SessionID:     o.sessionID,
		Text:          string(o.buf),
		StartedAt:     o.startedAt.UnixMilli(),
		LastChangedAt: now.UnixMilli(),
	}
	o.mu.Unlock()

	env, err := domain.NewEnvelope(domain.EventSessionOutput, update, now)
	if err != nil {
		log.ErrorErr(log.CatSession, "failed to build output envelope", err,
			"sessionID", o.sessionID)
		return
	}
	env.WithGroup("session-output:" + o.sessionID).
		WithIdempotency(fmt.Sprintf("%s:%d:%d", o.sessionID, now.UnixMilli(), seq)).
		WithProducer("observer")

	if err := o.publish(context.Background(), env); err != nil {
		log.ErrorErr(log.CatSession, "failed to publish output update", err,
			"sessionID", o.sessionID)
	}
}

func (o *observer) state() observerState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := observerState{Offset: o.offset}
	if !o.startedAt.IsZero() {
		st.StartedAt = o.startedAt.UnixMilli()
	}
	return st
}
