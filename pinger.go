package mq

import "time"

// pinger implements the one-shot keep-alive timer scheme of spec.md
// section 4.5: reset cancels any pending timer and, if interval > 0,
// re-arms a single fire callback after interval. The decision of what to
// do when the timer fires (send PINGREQ vs. declare PING_TIMEOUT) lives in
// the owning Client, which inspects isReset — this type only owns the
// timer and the flag.
//
// fire is invoked on its own goroutine (time.AfterFunc); it must not touch
// Client state directly and should instead hand an event to the actor
// loop, the same way transport and user-API events do.
type pinger struct {
	interval time.Duration
	fire     func()

	timer   *time.Timer
	isReset bool
}

func newPinger(interval time.Duration, fire func()) *pinger {
	return &pinger{interval: interval, fire: fire}
}

// reset cancels any pending timer, marks isReset, and re-arms if the
// configured interval is greater than zero. Call on every successful
// outbound frame and on any inbound packet.
func (p *pinger) reset() {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.isReset = true
	if p.interval <= 0 {
		return
	}
	p.timer = time.AfterFunc(p.interval, p.fire)
}

// armQuiet re-arms the timer without marking isReset. The client calls
// this right after sending its own keep-alive PINGREQ: that send must not
// count as the traffic it is trying to provoke, or a fire callback could
// never observe a genuinely dead link and PingTimeout would never trigger.
// Only a later reset() call, from real inbound or outbound traffic, clears
// the quiet period.
func (p *pinger) armQuiet() {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.isReset = false
	if p.interval <= 0 {
		return
	}
	p.timer = time.AfterFunc(p.interval, p.fire)
}

// stop cancels the pending timer without rearming, used on disconnect.
func (p *pinger) stop() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
