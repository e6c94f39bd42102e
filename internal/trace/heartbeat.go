package trace

import (
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// Heartbeat emits a periodic event carrying process vitals. Heartbeats that
// keep coming without span ends point at a looping program.
type Heartbeat struct {
	tracer   Tracer
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// StartHeartbeat starts emitting on tracer every interval. It returns nil
// when the tracer is disabled or interval is not positive; Stop accepts nil.
func StartHeartbeat(tracer Tracer, interval time.Duration) *Heartbeat {
	if tracer == nil || !tracer.Enabled() || interval <= 0 {
		return nil
	}
	h := &Heartbeat{tracer: tracer, interval: interval, stop: make(chan struct{})}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *Heartbeat) run() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	start := time.Now()
	var beats uint64
	var ms runtime.MemStats
	for {
		select {
		case now := <-ticker.C:
			beats++
			runtime.ReadMemStats(&ms)
			h.tracer.Emit(&Event{
				Time:   now,
				Seq:    NextSeq(),
				Kind:   KindHeartbeat,
				Scope:  ScopeRun,
				Name:   "heartbeat",
				Detail: fmt.Sprintf("#%d after %s", beats, now.Sub(start).Round(time.Millisecond)),
				Extra: map[string]string{
					"goroutines": strconv.Itoa(runtime.NumGoroutine()),
					"heap_kb":    strconv.FormatUint(ms.HeapAlloc>>10, 10),
				},
			})
		case <-h.stop:
			return
		}
	}
}

// Stop ends the heartbeat and waits for its goroutine.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.stop) })
	h.wg.Wait()
}
