package session

import (
	"context"
	"math/rand"
	"time"
)

// HeartbeatRecord is the bookkeeping for the most recent heartbeat.
type HeartbeatRecord struct {
	LastSentAt time.Time
	LastAckAt  time.Time
	Acked      bool
	Sent       uint64
	Latency    time.Duration
}

// HeartbeatVerdict is the outcome of one scheduled tick.
type HeartbeatVerdict int

const (
	HeartbeatSend HeartbeatVerdict = iota
	HeartbeatMissed
)

func (v HeartbeatVerdict) String() string {
	if v == HeartbeatMissed {
		return "missed"
	}
	return "send"
}

// HeartbeatMonitor schedules liveness ticks and tracks acks.
// At most one unacked heartbeat is tolerated: a tick that finds the previous
// beat unacked returns HeartbeatMissed.
type HeartbeatMonitor struct {
	jitter bool
	rng    *rand.Rand

	interval time.Duration
	record   HeartbeatRecord
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewHeartbeatMonitor(jitter bool, rng *rand.Rand) *HeartbeatMonitor {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &HeartbeatMonitor{
		jitter: jitter,
		rng:    rng,
		record: HeartbeatRecord{Acked: true},
	}
}

// Start arms the timer. The first tick fires after interval*U[0,1) when
// jitter is enabled, then every interval. tick runs on the timer goroutine
// and must return once ctx is done.
func (m *HeartbeatMonitor) Start(parent context.Context, interval time.Duration, tick func(ctx context.Context)) {
	m.Stop()
	if interval <= 0 || tick == nil {
		return
	}
	m.interval = interval
	m.record = HeartbeatRecord{Acked: true}

	first := interval
	if m.jitter {
		first = time.Duration(m.rng.Float64() * float64(interval))
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		timer := time.NewTimer(first)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				tick(ctx)
				timer.Reset(interval)
			}
		}
	}()
}

// Stop cancels the timer goroutine and waits for it to exit.
func (m *HeartbeatMonitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
}

func (m *HeartbeatMonitor) Running() bool {
	return m.cancel != nil
}

func (m *HeartbeatMonitor) Interval() time.Duration {
	return m.interval
}

// Beat evaluates one scheduled tick at now.
func (m *HeartbeatMonitor) Beat(now time.Time) HeartbeatVerdict {
	if !m.record.Acked {
		return HeartbeatMissed
	}
	m.mark(now)
	return HeartbeatSend
}

// ForceBeat records a heartbeat the service asked for without checking the
// previous ack.
func (m *HeartbeatMonitor) ForceBeat(now time.Time) {
	m.mark(now)
}

// Ack marks the outstanding heartbeat acknowledged. Repeated acks are no-ops
// apart from refreshing LastAckAt.
func (m *HeartbeatMonitor) Ack(now time.Time) {
	if !m.record.Acked && !m.record.LastSentAt.IsZero() {
		m.record.Latency = now.Sub(m.record.LastSentAt)
	}
	m.record.Acked = true
	m.record.LastAckAt = now
}

func (m *HeartbeatMonitor) Record() HeartbeatRecord {
	return m.record
}

func (m *HeartbeatMonitor) mark(now time.Time) {
	m.record.Acked = false
	m.record.LastSentAt = now
	m.record.Sent++
}
