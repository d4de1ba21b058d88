/*
Kumo MTA - High-throughput outbound SMTP mail transfer agent.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Kumo MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package queue

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KumoCorp/kumomta/internal/message"
)

// timeSlot is one scheduled entry.
type timeSlot struct {
	due   time.Time
	msg   *message.Message
	taken bool
}

// timeWheel dispatches messages when their due time arrives. Ties on due
// time dispatch in insertion order.
type timeWheel struct {
	stopped uint32

	slots     *list.List
	slotsLock sync.Mutex

	updateNotify chan time.Time
	stopNotify   chan struct{}

	dispatch func(*message.Message)
}

func newTimeWheel(dispatch func(*message.Message)) *timeWheel {
	tw := &timeWheel{
		slots:        list.New(),
		stopNotify:   make(chan struct{}),
		updateNotify: make(chan time.Time),
		dispatch:     dispatch,
	}
	go tw.tick()
	return tw
}

func (tw *timeWheel) Add(due time.Time, msg *message.Message) {
	if atomic.LoadUint32(&tw.stopped) == 1 {
		// Already stopped, ignore.
		return
	}
	if msg == nil {
		panic("queue: can't insert nil messages into the timewheel")
	}

	tw.slotsLock.Lock()
	tw.slots.PushBack(&timeSlot{due: due, msg: msg})
	tw.slotsLock.Unlock()

	tw.updateNotify <- due
}

// Len is the number of scheduled entries.
func (tw *timeWheel) Len() int {
	tw.slotsLock.Lock()
	defer tw.slotsLock.Unlock()
	return tw.slots.Len()
}

// Drain removes and returns every scheduled message.
func (tw *timeWheel) Drain() []*message.Message {
	tw.slotsLock.Lock()
	defer tw.slotsLock.Unlock()

	var drained []*message.Message
	for e := tw.slots.Front(); e != nil; e = e.Next() {
		slot := e.Value.(*timeSlot)
		if slot.taken {
			continue
		}
		slot.taken = true
		drained = append(drained, slot.msg)
	}
	tw.slots.Init()
	return drained
}

// ForEach visits the scheduled entries, e.g. to apply shrink policies.
func (tw *timeWheel) ForEach(visit func(due time.Time, msg *message.Message)) {
	tw.slotsLock.Lock()
	defer tw.slotsLock.Unlock()
	for e := tw.slots.Front(); e != nil; e = e.Next() {
		slot := e.Value.(*timeSlot)
		if !slot.taken {
			visit(slot.due, slot.msg)
		}
	}
}

func (tw *timeWheel) Close() {
	if !atomic.CompareAndSwapUint32(&tw.stopped, 0, 1) {
		return
	}

	tw.stopNotify <- struct{}{}
	<-tw.stopNotify
}

func (tw *timeWheel) tick() {
	for {
		now := time.Now()

		// Look for the element closest to now. Strict comparison keeps the
		// earliest-inserted entry among ties, preserving insertion order.
		tw.slotsLock.Lock()
		var closestSlot *timeSlot
		var closestEl *list.Element
		for e := tw.slots.Front(); e != nil; e = e.Next() {
			slot := e.Value.(*timeSlot)
			if slot.taken {
				continue
			}
			if closestSlot == nil || slot.due.Sub(now) < closestSlot.due.Sub(now) {
				closestSlot = slot
				closestEl = e
			}
		}
		tw.slotsLock.Unlock()

		// Queue is empty. Just wait until an update.
		if closestEl == nil {
			select {
			case <-tw.updateNotify:
				continue
			case <-tw.stopNotify:
				tw.stopNotify <- struct{}{}
				return
			}
		}

		timer := time.NewTimer(closestSlot.due.Sub(now))

	selectloop:
		for {
			select {
			case <-timer.C:
				tw.slotsLock.Lock()
				if closestSlot.taken {
					tw.slotsLock.Unlock()
					break selectloop
				}
				closestSlot.taken = true
				tw.slots.Remove(closestEl)
				tw.slotsLock.Unlock()

				tw.dispatch(closestSlot.msg)

				break selectloop
			case newTarget := <-tw.updateNotify:
				// Avoid unnecessary restarts if the new entry is not going
				// to affect our current wait time.
				if closestSlot.due.Sub(now) <= newTarget.Sub(now) {
					continue
				}

				timer.Stop()
				break selectloop
			case <-tw.stopNotify:
				timer.Stop()
				tw.stopNotify <- struct{}{}
				return
			}
		}
	}
}
