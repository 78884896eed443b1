package audiopipe

import "time"

// PushFrame decodes one compressed frame and writes the resulting PCM
// samples into the ring buffer (spec.md §4.2, C2 Decoder Pump).
//
//  1. If playback is paused, the frame is discarded and (0, nil) returned:
//     waiting for space would stall the network reader for no benefit
//     while nothing is draining the ring.
//  2. Fast path: if there is already room, write immediately; if state was
//     idle, transition to buffering.
//  3. Slow path: wait up to 100ms on the space-available condition. If
//     space never appears and no shutdown was requested, return
//     ErrBackpressure so the caller drops the frame.
//
// Decode errors reset the decoder and are returned to the caller; PushFrame
// never panics.
func (p *Pipe) PushFrame(frameBytes []byte) (int, error) {
	p.mu.Lock()
	paused := p.state == StatePaused
	p.mu.Unlock()
	if paused {
		return 0, nil
	}

	samples, err := p.decoder.Decode(frameBytes)
	if err != nil {
		p.decoder.Reset()
		p.logger.Error("audiopipe: decode error, resetting decoder", "error", err)
		return 0, err
	}
	n := len(samples)
	if n == 0 {
		return 0, nil
	}

	p.mu.Lock()
	if p.ring.Free() >= n {
		p.ring.Write(samples)
		wasIdle := p.state == StateIdle
		if wasIdle {
			p.state = StateBuffering
		}
		p.mu.Unlock()
		p.dataCond.Broadcast()
		return n, nil
	}
	p.mu.Unlock()

	if p.waitForSpace(n, backpressureWait) {
		p.mu.Lock()
		p.ring.Write(samples)
		wasIdle := p.state == StateIdle
		if wasIdle {
			p.state = StateBuffering
		}
		p.mu.Unlock()
		p.dataCond.Broadcast()
		return n, nil
	}
	return 0, ErrBackpressure
}

// waitForSpace blocks on the space-available condition until at least n
// samples are free, the pipe is closed, or timeout elapses.
func (p *Pipe) waitForSpace(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		p.mu.Lock()
		p.spaceCond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.ring.Free() < n {
		if p.stopped() || !time.Now().Before(deadline) {
			return p.ring.Free() >= n
		}
		p.spaceCond.Wait()
	}
	return true
}
