// Package scheduler implements C10: a streaming, beat-aware event scheduler
// that hands (event, audioTime) pairs to a Backend within a lookahead
// window, supports live splicing of a track's tail at a quantized boundary,
// and emits beat/bar/error notifications, mirroring the teacher's Player
// (functional options, mutex-guarded transport controls, a buffered
// Watch-style event channel).
package scheduler

import (
	"container/heap"
	"math"
	"sort"
	"sync"
	"time"

	"scoretree/internal/emitter"
)

// Backend is the port a scheduler drives. Implementations own the actual
// audio clock and output device; GetCurrentTime must be monotonically
// non-decreasing and cheap to call every tick.
type Backend interface {
	GetCurrentTime() float64
	ScheduleEvent(ev emitter.Event, audioTime float64, trackID string) error
	CancelAfter(audioTime float64, trackID string) error
}

// QuantizeBoundary names where a splice or callback should land relative to
// the beat grid.
type QuantizeBoundary int

const (
	QuantizeOff QuantizeBoundary = iota
	QuantizeBeat
	QuantizeBar
)

const (
	defaultScheduleInterval = 25 * time.Millisecond
	defaultLookahead        = 100 * time.Millisecond
	lateToleranceSeconds    = 0.050
)

// Update is a deferred splice: queued now, applied once currentBeat reaches
// TargetBeat.
type Update struct {
	TargetBeat float64
	Events     []emitter.Event
	TrackID    string
}

// NotificationKind distinguishes the three notification channel payloads.
type NotificationKind int

const (
	NotifyBeat NotificationKind = iota
	NotifyBar
	NotifyError
)

// Notification is sent on the channel returned by Watch.
type Notification struct {
	Kind  NotificationKind
	Index int
	Err   error
}

type heapItem struct {
	beat       float64
	inputOrder int
	event      emitter.Event
	trackID    string
}

type eventHeap []heapItem

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].beat != h[j].beat {
		return h[i].beat < h[j].beat
	}
	return h[i].inputOrder < h[j].inputOrder
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(heapItem)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type callback struct {
	beat float64
	fn   func()
}

// Option configures a Scheduler at construction time.
type Option func(*config)

type config struct {
	scheduleInterval time.Duration
	lookahead        time.Duration
	beatsPerMeasure  float64
}

func defaultConfig() config {
	return config{scheduleInterval: defaultScheduleInterval, lookahead: defaultLookahead, beatsPerMeasure: 4}
}

// WithScheduleInterval overrides the default ~25ms scheduling tick period.
func WithScheduleInterval(d time.Duration) Option {
	return func(c *config) { c.scheduleInterval = d }
}

// WithLookahead overrides the default ~100ms lookahead window.
func WithLookahead(d time.Duration) Option {
	return func(c *config) { c.lookahead = d }
}

// WithBeatsPerMeasure sets the bar length used by QuantizeBar and bar
// notifications.
func WithBeatsPerMeasure(n float64) Option {
	return func(c *config) { c.beatsPerMeasure = n }
}

// Scheduler is the single-threaded-logic, goroutine-driven C10 runtime: all
// state mutation happens either inline under mu (from caller goroutines) or
// inside the scheduling tick goroutine, which also holds mu while it runs.
type Scheduler struct {
	mu sync.Mutex

	backend Backend
	cfg     config

	bpm               float64
	playbackStartTime float64
	playbackStartBeat float64

	heap            eventHeap
	pendingUpdates  []Update
	callbacks       []*callback
	tracks          map[string][]emitter.Event
	nextInputOrder  int
	running         bool
	paused          bool
	pausedAtBeat    float64
	lastWholeBeat   int
	lastWholeBar    int
	notifiedAnyBeat bool

	notifyCh chan Notification
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler builds a Scheduler bound to backend, starting at bpm.
func NewScheduler(backend Backend, bpm float64, opts ...Option) *Scheduler {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{
		backend: backend,
		cfg:     cfg,
		bpm:     bpm,
		tracks:  make(map[string][]emitter.Event),
	}
}

// Watch returns a channel receiving beat/bar/error notifications. The
// channel is buffered (cap 32); only the most recently requested Watch
// channel is live, matching the teacher's single-subscriber Watch pattern.
func (s *Scheduler) Watch() <-chan Notification {
	ch := make(chan Notification, 32)
	s.mu.Lock()
	s.notifyCh = ch
	s.mu.Unlock()
	return ch
}

func (s *Scheduler) notify(n Notification) {
	s.mu.Lock()
	ch := s.notifyCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- n:
	default:
	}
}

// Consume loads events as a fresh, fully-replacing track.
func (s *Scheduler) Consume(events []emitter.Event, trackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[trackID] = append([]emitter.Event(nil), events...)
	s.rebuildHeapForTrackLocked(trackID, 0)
}

// Splice replaces trackID's tail from startBeat onward with events,
// respecting the lookahead floor so already-scheduled notes play through.
func (s *Scheduler) Splice(events []emitter.Event, startBeat float64, trackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spliceLocked(events, startBeat, trackID)
}

func (s *Scheduler) spliceLocked(events []emitter.Event, startBeat float64, trackID string) {
	cur := s.currentBeatLocked()
	effective := math.Max(startBeat, cur+s.lookaheadBeatsLocked())

	s.backend.CancelAfter(s.beatToAudioTimeLocked(effective), trackID)

	kept := s.tracks[trackID][:0:0]
	for _, ev := range s.tracks[trackID] {
		if beatOfEvent(ev, s.bpm) < startBeat {
			kept = append(kept, ev)
		}
	}
	for _, ev := range events {
		if beatOfEvent(ev, s.bpm) >= effective {
			kept = append(kept, ev)
		}
	}
	s.tracks[trackID] = kept
	s.rebuildHeapForTrackLocked(trackID, effective)
}

// rebuildHeapForTrackLocked drops trackID's heap entries at or after floor
// and re-inserts from s.tracks[trackID], filtering anything still below
// floor (those are considered already played or too late to schedule).
func (s *Scheduler) rebuildHeapForTrackLocked(trackID string, floor float64) {
	kept := make(eventHeap, 0, len(s.heap))
	for _, it := range s.heap {
		if it.trackID == trackID && it.beat >= floor {
			continue
		}
		kept = append(kept, it)
	}
	s.heap = kept
	heap.Init(&s.heap)
	for _, ev := range s.tracks[trackID] {
		b := beatOfEvent(ev, s.bpm)
		if b < floor {
			continue
		}
		order := s.nextInputOrder
		s.nextInputOrder++
		heap.Push(&s.heap, heapItem{beat: b, inputOrder: order, event: ev, trackID: trackID})
	}
}

// beatOfEvent recovers an event's beat position from its compiled
// StartSeconds, the inverse of the tempo map's beatToSeconds for a flat
// section; callers that need ramp-accurate recovery should track beats
// alongside events instead of relying on this approximation.
func beatOfEvent(ev emitter.Event, bpm float64) float64 {
	if bpm <= 0 {
		bpm = 120
	}
	return ev.StartSeconds * bpm / 60
}

// QueueUpdate defers a splice until currentBeat reaches u.TargetBeat.
func (s *Scheduler) QueueUpdate(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingUpdates = append(s.pendingUpdates, u)
	sort.Slice(s.pendingUpdates, func(i, j int) bool { return s.pendingUpdates[i].TargetBeat < s.pendingUpdates[j].TargetBeat })
}

// CancelAfter un-schedules everything at or after beat on trackID (or all
// tracks when trackID is empty), then tells the backend to do the same.
func (s *Scheduler) CancelAfter(beat float64, trackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend.CancelAfter(s.beatToAudioTimeLocked(beat), trackID)
	kept := make(eventHeap, 0, len(s.heap))
	for _, it := range s.heap {
		if it.beat >= beat && (trackID == "" || it.trackID == trackID) {
			continue
		}
		kept = append(kept, it)
	}
	s.heap = kept
	heap.Init(&s.heap)
}

// ScheduleCallback fires fn (on the scheduler's tick goroutine) the first
// tick whose currentBeat reaches beat.
func (s *Scheduler) ScheduleCallback(beat float64, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, &callback{beat: beat, fn: fn})
	sort.Slice(s.callbacks, func(i, j int) bool { return s.callbacks[i].beat < s.callbacks[j].beat })
}

// NextQuantizeBoundary computes the next beat at or after currentBeat that
// satisfies kind, pushed one boundary further out if it would otherwise
// land inside the lookahead window (racing already-scheduled events).
func (s *Scheduler) NextQuantizeBoundary(kind QuantizeBoundary) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextQuantizeBoundaryLocked(kind)
}

func (s *Scheduler) nextQuantizeBoundaryLocked(kind QuantizeBoundary) float64 {
	cur := s.currentBeatLocked()
	lookaheadBeats := s.lookaheadBeatsLocked()
	bpm := s.cfg.beatsPerMeasure
	if bpm <= 0 {
		bpm = 4
	}

	var target float64
	switch kind {
	case QuantizeBeat:
		target = math.Ceil(cur)
		if target < cur+lookaheadBeats {
			target++
		}
	case QuantizeBar:
		target = math.Ceil(cur/bpm) * bpm
		if target < cur+lookaheadBeats {
			target += bpm
		}
	default: // QuantizeOff
		target = cur
		if target < cur+lookaheadBeats {
			target = cur + lookaheadBeats
		}
	}
	return target
}

// Start begins the scheduling tick goroutine from startBeat.
func (s *Scheduler) Start(startBeat float64) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.playbackStartTime = s.backend.GetCurrentTime()
	s.playbackStartBeat = startBeat
	s.running = true
	s.paused = false
	s.lastWholeBeat = int(math.Floor(startBeat))
	s.lastWholeBar = int(math.Floor(startBeat / s.effectiveBeatsPerMeasureLocked()))
	s.notifiedAnyBeat = false
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	s.mu.Lock()
	interval := s.cfg.scheduleInterval
	s.mu.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs one scheduling pass: apply due pending updates, fire due
// callbacks, drain the heap within the lookahead window, and emit
// beat/bar notifications on integer crossings.
func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	cur := s.currentBeatLocked()

	var dueUpdates []Update
	remaining := s.pendingUpdates[:0:0]
	for _, u := range s.pendingUpdates {
		if u.TargetBeat <= cur {
			dueUpdates = append(dueUpdates, u)
		} else {
			remaining = append(remaining, u)
		}
	}
	s.pendingUpdates = remaining
	for _, u := range dueUpdates {
		s.spliceLocked(u.Events, u.TargetBeat, u.TrackID)
	}

	var dueCallbacks []*callback
	remainingCB := s.callbacks[:0:0]
	for _, cb := range s.callbacks {
		if cb.beat <= cur {
			dueCallbacks = append(dueCallbacks, cb)
		} else {
			remainingCB = append(remainingCB, cb)
		}
	}
	s.callbacks = remainingCB

	lookaheadBeats := s.lookaheadBeatsLocked()
	var toSchedule []heapItem
	for len(s.heap) > 0 && s.heap[0].beat <= cur+lookaheadBeats {
		it := heap.Pop(&s.heap).(heapItem)
		toSchedule = append(toSchedule, it)
	}

	wholeBeat := int(math.Floor(cur))
	wholeBar := int(math.Floor(cur / s.effectiveBeatsPerMeasureLocked()))
	notifyBeat := s.notifiedAnyBeat && wholeBeat > s.lastWholeBeat
	notifyBar := s.notifiedAnyBeat && wholeBar > s.lastWholeBar
	s.lastWholeBeat = wholeBeat
	s.lastWholeBar = wholeBar
	s.notifiedAnyBeat = true
	s.mu.Unlock()

	for _, cb := range dueCallbacks {
		cb.fn()
	}
	for _, it := range toSchedule {
		audioTime := s.beatToAudioTime(it.beat)
		if s.backend.GetCurrentTime()-audioTime > lateToleranceSeconds {
			continue
		}
		if err := s.backend.ScheduleEvent(it.event, audioTime, it.trackID); err != nil {
			s.notify(Notification{Kind: NotifyError, Err: err})
		}
	}
	if notifyBeat {
		s.notify(Notification{Kind: NotifyBeat, Index: wholeBeat})
	}
	if notifyBar {
		s.notify(Notification{Kind: NotifyBar, Index: wholeBar})
	}
}

func (s *Scheduler) effectiveBeatsPerMeasureLocked() float64 {
	if s.cfg.beatsPerMeasure <= 0 {
		return 4
	}
	return s.cfg.beatsPerMeasure
}

// Pause freezes currentBeat at its value the instant Pause is called.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.paused {
		return
	}
	s.pausedAtBeat = s.currentBeatLocked()
	s.paused = true
}

// Resume continues playback from the beat Pause froze at.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || !s.paused {
		return
	}
	s.playbackStartTime = s.backend.GetCurrentTime()
	s.playbackStartBeat = s.pausedAtBeat
	s.paused = false
}

// Stop halts the tick goroutine and cancels everything on the backend.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh := s.stopCh
	s.mu.Unlock()

	close(stopCh)
	s.wg.Wait()

	s.mu.Lock()
	s.backend.CancelAfter(0, "")
	s.mu.Unlock()
}

// Reset clears all tracks, queued state, and the time base. Stop first if
// the tick goroutine is running.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heap = nil
	s.pendingUpdates = nil
	s.callbacks = nil
	s.tracks = make(map[string][]emitter.Event)
	s.nextInputOrder = 0
	s.playbackStartBeat = 0
	s.playbackStartTime = s.backend.GetCurrentTime()
	s.lastWholeBeat = 0
	s.lastWholeBar = 0
	s.notifiedAnyBeat = false
}

// SetTempo records the pre-change beat so currentBeat stays continuous,
// then switches future beat<->time conversion to newBPM.
func (s *Scheduler) SetTempo(newBPM float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.currentBeatLocked()
	s.playbackStartBeat = cur
	s.playbackStartTime = s.backend.GetCurrentTime()
	s.bpm = newBPM
}

func (s *Scheduler) currentBeatLocked() float64 {
	if s.paused {
		return s.pausedAtBeat
	}
	now := s.backend.GetCurrentTime()
	return (now-s.playbackStartTime)*s.bpm/60 + s.playbackStartBeat
}

// CurrentBeat exposes the current transport position for callers outside
// the tick goroutine (e.g. a UI polling playback progress).
func (s *Scheduler) CurrentBeat() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentBeatLocked()
}

// TrackCount reports how many distinct tracks currently hold events,
// for callers outside the tick goroutine (e.g. a UI status line).
func (s *Scheduler) TrackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

func (s *Scheduler) lookaheadBeatsLocked() float64 {
	return s.cfg.lookahead.Seconds() * s.bpm / 60
}

func (s *Scheduler) beatToAudioTimeLocked(beat float64) float64 {
	return s.playbackStartTime + (beat-s.playbackStartBeat)*60/s.bpm
}

func (s *Scheduler) beatToAudioTime(beat float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beatToAudioTimeLocked(beat)
}
