package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwsl/pimtector/dsp"
)

// PacingConfig holds the adaptive drain loop parameters
type PacingConfig struct {
	MinDelay      time.Duration
	MaxDelay      time.Duration
	Step          time.Duration
	HighWaterMark float64 // fill ratio above which the delay shrinks
	LowWaterMark  float64 // fill ratio below which the delay grows
}

// nextDelay returns the drain delay following a tick. Idle ticks (nothing
// delivered) fall back to MaxDelay; otherwise the delay moves one step
// toward MinDelay while the buffer is filling and toward MaxDelay while it
// is draining. The result always lies in [MinDelay, MaxDelay].
func nextDelay(cur time.Duration, fill float64, delivered bool, cfg PacingConfig) time.Duration {
	if !delivered {
		return cfg.MaxDelay
	}
	next := cur
	switch {
	case fill > cfg.HighWaterMark:
		next = cur - cfg.Step
	case fill < cfg.LowWaterMark:
		next = cur + cfg.Step
	}
	if next < cfg.MinDelay {
		next = cfg.MinDelay
	}
	if next > cfg.MaxDelay {
		next = cfg.MaxDelay
	}
	return next
}

// DeliverFunc hands one trace to the subscriber. It is called from the
// drain loop only, never concurrently with itself, and must not call
// Unsubscribe.
type DeliverFunc func(t dsp.Trace, overflow bool) error

// subscription is the Attached state of a streamer session
type subscription struct {
	id      string
	deliver DeliverFunc
	cancel  context.CancelFunc
	done    chan struct{}
}

// StreamStatus is a snapshot of the streamer for status endpoints
type StreamStatus struct {
	Attached   bool    `json:"attached"`
	SessionID  string  `json:"session_id,omitempty"`
	Length     int     `json:"length"`
	Capacity   int     `json:"capacity"`
	FillRatio  float64 `json:"fill_ratio"`
	Overflow   bool    `json:"overflow"`
	DelayMs    float64 `json:"delay_ms"`
	IntervalMs float64 `json:"interval_ms"` // measured time between the last two ticks
	Delivered  uint64  `json:"delivered"`
}

// Streamer owns the trace buffer and the single subscriber session that
// drains it. The session is either Unattached (sub == nil) or Attached to
// exactly one subscriber; a second Subscribe is rejected.
//
// Traces are delivered only while running reports true; a nil running
// always delivers.
type Streamer struct {
	buf     *StreamBuffer
	cfg     PacingConfig
	metrics *PrometheusMetrics
	running func() bool

	// deliverMu covers one pop-and-deliver, so ResetBuffer returns only
	// after an in-flight delivery has finished
	deliverMu sync.Mutex

	mu        sync.Mutex
	sub       *subscription
	delay     time.Duration
	interval  time.Duration
	delivered uint64
}

// NewStreamer creates an unattached streamer over buf
func NewStreamer(buf *StreamBuffer, cfg PacingConfig, metrics *PrometheusMetrics, running func() bool) *Streamer {
	return &Streamer{
		buf:     buf,
		cfg:     cfg,
		metrics: metrics,
		running: running,
		delay:   cfg.MaxDelay,
	}
}

// Buffer returns the underlying trace buffer
func (s *Streamer) Buffer() *StreamBuffer {
	return s.buf
}

// Push offers a trace to the buffer; it never blocks
func (s *Streamer) Push(t dsp.Trace) bool {
	if !s.buf.Push(t) {
		if DebugMode {
			log.Printf("DEBUG: %v, dropped incoming trace", ErrBufferOverflow)
		}
		return false
	}
	return true
}

// ResetBuffer drops every buffered trace. A delivery in progress completes
// first; nothing popped before the reset reaches the subscriber after it.
func (s *Streamer) ResetBuffer() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.buf.Clear()
}

// Subscribe attaches deliver as the only subscriber and starts its drain
// loop. It fails with ErrSubscriberActive while another session is attached.
func (s *Streamer) Subscribe(deliver DeliverFunc) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return "", ErrSubscriberActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:      uuid.New().String(),
		deliver: deliver,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.sub = sub
	s.delay = s.cfg.MinDelay
	s.interval = 0
	s.metrics.SetSubscriberAttached(true)

	go s.drain(ctx, sub)

	log.Printf("Streamer: subscriber %s attached", sub.id)
	return sub.id, nil
}

// Unsubscribe detaches the session id, waits for its drain loop to exit and
// clears the buffer
func (s *Streamer) Unsubscribe(id string) error {
	s.mu.Lock()
	sub := s.sub
	if sub == nil || sub.id != id {
		s.mu.Unlock()
		return fmt.Errorf("session %s is not attached", id)
	}
	s.sub = nil
	s.delay = s.cfg.MaxDelay
	s.mu.Unlock()

	sub.cancel()
	<-sub.done
	s.buf.Clear()
	s.metrics.SetSubscriberAttached(false)

	log.Printf("Streamer: subscriber %s detached", id)
	return nil
}

// Detach tears down whatever session is attached; used on shutdown
func (s *Streamer) Detach() {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub != nil {
		s.Unsubscribe(sub.id)
	}
}

// Session returns the attached session id
func (s *Streamer) Session() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return "", false
	}
	return s.sub.id, true
}

// Status returns a snapshot of the buffer and pacing state
func (s *Streamer) Status() StreamStatus {
	s.mu.Lock()
	st := StreamStatus{
		Attached:   s.sub != nil,
		DelayMs:    float64(s.delay) / float64(time.Millisecond),
		IntervalMs: float64(s.interval) / float64(time.Millisecond),
		Delivered:  s.delivered,
	}
	if s.sub != nil {
		st.SessionID = s.sub.id
	}
	s.mu.Unlock()

	st.Length = s.buf.Len()
	st.Capacity = s.buf.Cap()
	st.FillRatio = s.buf.FillRatio()
	st.Overflow = s.buf.Overflow()
	return st
}

// drain runs on a self-rescheduling timer until ctx is cancelled. The first
// tick fires immediately.
func (s *Streamer) drain(ctx context.Context, sub *subscription) {
	defer close(sub.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	delay := s.cfg.MinDelay
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-timer.C:
			if !last.IsZero() {
				s.mu.Lock()
				s.interval = now.Sub(last)
				s.mu.Unlock()
			}
			last = now

			delay = s.tick(ctx, sub, delay)
			timer.Reset(delay)
		}
	}
}

// tick delivers at most one trace and returns the next delay. While the
// receiver is not running nothing is popped and the delay goes to max.
func (s *Streamer) tick(ctx context.Context, sub *subscription, delay time.Duration) time.Duration {
	s.deliverMu.Lock()
	var t dsp.Trace
	ok := false
	if s.running == nil || s.running() {
		t, ok = s.buf.Pop()
	}
	if ok && ctx.Err() == nil {
		if err := sub.deliver(t, s.buf.Overflow()); err != nil {
			log.Printf("Streamer: delivery to %s failed: %v", sub.id, err)
			s.metrics.RecordDelivery(false)
		} else {
			s.metrics.RecordDelivery(true)
			s.mu.Lock()
			s.delivered++
			s.mu.Unlock()
		}
	}
	s.deliverMu.Unlock()

	fill := s.buf.FillRatio()
	next := nextDelay(delay, fill, ok, s.cfg)

	s.mu.Lock()
	if s.sub == sub {
		s.delay = next
	}
	s.mu.Unlock()
	s.metrics.SetStreamPacing(fill, next)

	if DebugMode && ok {
		log.Printf("DEBUG: Streamer: fill %.0f%%, next delay %v", fill*100, next)
	}
	return next
}
