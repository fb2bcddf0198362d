// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package mbclient

import (
	"sync"
	"sync/atomic"
	"time"
)

// OnDataFunc is a callback type for pushing scan results.
type OnDataFunc func([]PointValue)

// OnErrorFunc is a callback type for error reporting.
type OnErrorFunc func(error)

// Poller scans a PointMap at a fixed interval and pushes the results to
// a callback. Scans run on one goroutine and callbacks on another, so a
// slow OnData consumer delays delivery but never the bus schedule, up
// to the channel buffer.
type Poller struct {
	reader   Reader
	points   *PointMap
	interval time.Duration

	dataCh  chan []PointValue
	stopCh  chan struct{}
	wg      sync.WaitGroup
	onData  atomic.Value // OnDataFunc
	onError atomic.Value // OnErrorFunc
}

// NewPoller creates a poller reading points at the given interval. A
// non-positive interval defaults to one second.
func NewPoller(reader Reader, points *PointMap, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		reader:   reader,
		points:   points,
		interval: interval,
		dataCh:   make(chan []PointValue, 8),
		stopCh:   make(chan struct{}),
	}
}

// SetOnData sets the callback for scan results.
func (p *Poller) SetOnData(fn OnDataFunc) {
	p.onData.Store(fn)
}

// SetOnError sets the callback for batch read errors.
func (p *Poller) SetOnError(fn OnErrorFunc) {
	p.onError.Store(fn)
}

// Start launches the scan and dispatch goroutines. The first scan runs
// after one interval.
func (p *Poller) Start() {
	p.wg.Add(2)
	go p.dispatch()
	go p.poll()
}

// Stop stops scanning and waits for both goroutines to finish. A scan
// in progress completes first. Stop must be called at most once.
func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Poller) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case values := <-p.dataCh:
			if cb := p.onData.Load(); cb != nil {
				cb.(OnDataFunc)(values)
			}
		}
	}
}

func (p *Poller) poll() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.scan()
		}
	}
}

// scan runs one full pass over the point map. Partial results are still
// delivered; failed batches are reported through OnError and leave
// their points' Values nil.
func (p *Poller) scan() {
	values, errs := p.points.ReadAll(p.reader)
	for _, err := range errs {
		if cb := p.onError.Load(); cb != nil {
			cb.(OnErrorFunc)(err)
		}
	}
	select {
	case p.dataCh <- values:
	case <-p.stopCh:
	}
}
