// Package telemetry keeps per-second throughput windows for transports.
package telemetry

import (
	"encoding/json"
	"time"
)

const defaultInterval time.Duration = time.Second

// maximum number of closed windows kept in memory
const maxWindows = 300

type Throughput struct {
	unit      string
	interval  time.Duration
	count     int
	workQueue chan int
	resetChan chan struct{}
	readChan  chan chan Window
	stopped   chan struct{}

	// only touched by the loop goroutine until stopped is closed
	window Window
}

type Window struct {
	Unit  string    `json:"unit"`
	Total int       `json:"total"`
	Start time.Time `json:"start"`
	Stop  time.Time `json:"stop"`
	Data  []int     `json:"data"`
}

func NewThroughput(unit string, done <-chan struct{}) *Throughput {
	return newThroughput(unit, defaultInterval, done)
}

func newThroughput(unit string, interval time.Duration, done <-chan struct{}) *Throughput {
	now := time.Now().UTC()
	t := &Throughput{
		unit:      unit,
		interval:  interval,
		workQueue: make(chan int, 15),
		resetChan: make(chan struct{}),
		readChan:  make(chan chan Window),
		stopped:   make(chan struct{}),
		window:    Window{Unit: unit, Start: now, Stop: now},
	}

	go t.loop(done)
	return t
}

func (t *Throughput) loop(done <-chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			// keep the last window readable once the transport is gone
			t.drain()
			t.window.Stop = time.Now().UTC()
			t.window.Total += t.count
			t.count = 0
			close(t.stopped)
			return
		case <-ticker.C:
			t.window.Stop = time.Now().UTC()
			t.window.Total += t.count
			t.window.Data = append(t.window.Data, t.count)
			if len(t.window.Data) > maxWindows {
				t.window.Data = t.window.Data[len(t.window.Data)-maxWindows:]
			}

			// empty out our current window
			t.count = 0
		case n := <-t.workQueue:
			t.count += n
		case <-t.resetChan:
			t.drain()
			now := time.Now().UTC()
			t.count = 0
			t.window = Window{Unit: t.unit, Start: now, Stop: now}
		case reply := <-t.readChan:
			t.drain()
			snapshot := t.window
			snapshot.Total += t.count
			snapshot.Data = append([]int(nil), t.window.Data...)
			reply <- snapshot
		}
	}
}

// drain folds queued observations into the open window so that a reset or
// a snapshot sees every Observe that returned before it
func (t *Throughput) drain() {
	for {
		select {
		case n := <-t.workQueue:
			t.count += n
		default:
			return
		}
	}
}

// Observe never blocks once done is closed
func (t *Throughput) Observe(n int, done <-chan struct{}) {
	select {
	case t.workQueue <- n:
	case <-done:
	}
}

func (t *Throughput) Reset(done <-chan struct{}) {
	select {
	case t.resetChan <- struct{}{}:
	case <-done:
	}
}

// Snapshot returns the current window, including the partial count. Once
// done is closed it returns the final window.
func (t *Throughput) Snapshot(done <-chan struct{}) Window {
	reply := make(chan Window, 1)
	select {
	case t.readChan <- reply:
		return <-reply
	case <-t.stopped:
		snapshot := t.window
		snapshot.Data = append([]int(nil), t.window.Data...)
		return snapshot
	}
}

type Digest struct {
	Inbound  json.RawMessage `json:"inbound"`
	Outbound json.RawMessage `json:"outbound"`
}

// Stats tracks both directions of a transport in the same unit
type Stats struct {
	done     <-chan struct{}
	inbound  *Throughput
	outbound *Throughput
}

func NewStats(unit string, done <-chan struct{}) *Stats {
	return &Stats{
		done:     done,
		inbound:  NewThroughput(unit, done),
		outbound: NewThroughput(unit, done),
	}
}

func (s *Stats) CountInbound(n int) {
	s.inbound.Observe(n, s.done)
}

func (s *Stats) CountOutbound(n int) {
	s.outbound.Observe(n, s.done)
}

func (s *Stats) Reset() {
	s.inbound.Reset(s.done)
	s.outbound.Reset(s.done)
}

func (s *Stats) Inbound() Window {
	return s.inbound.Snapshot(s.done)
}

func (s *Stats) Outbound() Window {
	return s.outbound.Snapshot(s.done)
}

func (s *Stats) Digest() Digest {
	inbound, _ := json.Marshal(s.Inbound())
	outbound, _ := json.Marshal(s.Outbound())
	return Digest{
		Inbound:  inbound,
		Outbound: outbound,
	}
}
