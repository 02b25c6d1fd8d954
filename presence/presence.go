// Package presence tracks which users are online and notifies the users
// allowed to observe them when they come online or go offline.
//
// A user comes online as soon as its first session authenticates. Going
// offline is debounced: every disconnect reschedules a check after Delay,
// and only if the user still has no live session at that time are the
// observers and the backend notified. A reconnect within the delay thus
// suppresses the offline notification entirely.
//
// The Tracker is not safe for concurrent use, except for the scheduled
// checks which run through the debounce.Scheduler's post function.
package presence

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/trippledave/drupal-nodejs/backend"
	"github.com/trippledave/drupal-nodejs/internal/debounce"
	"github.com/trippledave/drupal-nodejs/message"
	"github.com/trippledave/drupal-nodejs/session"
)

// DefaultDelay is the offline debounce delay when Tracker.Delay is 0.
const DefaultDelay = 2 * time.Second

// DefaultReportTimeout is the timeout of the offline report to the
// backend when Tracker.ReportTimeout is 0.
const DefaultReportTimeout = 10 * time.Second

// Tracker tracks the online users.
type Tracker struct {
	// Delay is the time to wait after the disconnection of a user's
	// session before checking if the user is offline.
	Delay time.Duration

	// Reporter, if set, is notified when a user goes offline. The call
	// is made in its own goroutine and its result is ignored.
	Reporter backend.Reporter

	// ReportTimeout is the timeout of a call to Reporter.
	ReportTimeout time.Duration

	// LogFunc is the logging function to use. If nil, log.Printf is used.
	LogFunc func(string, ...interface{})

	// Debug, if set, is called to know if debug messages are logged.
	Debug func() bool

	sessions *session.Registry
	sched    *debounce.Scheduler
	online   map[message.UID][]message.UID
	wg       sync.WaitGroup
}

// New creates a Tracker that finds the sessions of users in sessions and
// schedules the offline checks with sched.
func New(sessions *session.Registry, sched *debounce.Scheduler) *Tracker {
	return &Tracker{
		sessions: sessions,
		sched:    sched,
		online:   make(map[message.UID][]message.UID),
	}
}

func (t *Tracker) logf(f string, args ...interface{}) {
	if fn := t.LogFunc; fn != nil {
		fn(f, args...)
	} else {
		log.Printf(f, args...)
	}
}

func (t *Tracker) debugf(f string, args ...interface{}) {
	if t.Debug != nil && t.Debug() {
		t.logf(f, args...)
	}
}

// Key returns the debounce key of the offline check of uid.
func Key(uid message.UID) string {
	return "presence:" + uid.String()
}

// Online records uid as online with the given observers, replacing any
// previous observer list. The observers are notified only if uid was not
// already online. It returns true if the notification was sent.
func (t *Tracker) Online(uid message.UID, observers []message.UID) bool {
	if uid == 0 {
		return false
	}
	_, was := t.online[uid]
	t.online[uid] = copyUIDs(observers)
	if was {
		return false
	}
	t.notify(uid, message.Online)
	return true
}

// Disconnected schedules the offline check of uid, cancelling any check
// already scheduled for it.
func (t *Tracker) Disconnected(uid message.UID) {
	if uid == 0 {
		return
	}
	d := t.Delay
	if d <= 0 {
		d = DefaultDelay
	}
	t.sched.Schedule(Key(uid), d, func() { t.Check(uid) })
}

// Check sets uid offline if it has no live session left. It returns true
// if uid went offline.
func (t *Tracker) Check(uid message.UID) bool {
	if len(t.sessions.IDsForUID(uid)) > 0 {
		t.debugf("presence: uid %d reconnected, still online", uid)
		return false
	}

	t.debugf("presence: sending offline notification for uid %d", uid)
	t.notify(uid, message.Offline)
	delete(t.online, uid)
	t.report(uid)
	return true
}

func (t *Tracker) report(uid message.UID) {
	r := t.Reporter
	if r == nil {
		return
	}
	to := t.ReportTimeout
	if to <= 0 {
		to = DefaultReportTimeout
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), to)
		defer cancel()
		if err := r.ReportOffline(ctx, uid); err != nil {
			t.logf("presence: failed to report uid %d offline: %v", uid, err)
		}
	}()
}

// Wait waits for the pending offline reports to complete.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// notify sends the presence event of uid to every live session of each
// of its observers.
func (t *Tracker) notify(uid message.UID, ev message.PresenceEvent) {
	observers, ok := t.online[uid]
	if !ok || len(observers) == 0 {
		return
	}
	b, err := json.Marshal(&message.Presence{UID: uid, Event: ev})
	if err != nil {
		t.logf("presence: failed to marshal notification: %v", err)
		return
	}
	for _, obs := range observers {
		for _, id := range t.sessions.IDsForUID(obs) {
			t.sessions.Send(id, b)
		}
	}
}

// SetObservers replaces the observer list of uid, marking it online
// without notification if it was not.
func (t *Tracker) SetObservers(uid message.UID, observers []message.UID) {
	t.online[uid] = copyUIDs(observers)
}

// Observers returns the observer list of uid and whether uid is online.
func (t *Tracker) Observers(uid message.UID) ([]message.UID, bool) {
	obs, ok := t.online[uid]
	return copyUIDs(obs), ok
}

// IsOnline returns true if uid is online.
func (t *Tracker) IsOnline(uid message.UID) bool {
	_, ok := t.online[uid]
	return ok
}

// Len returns the number of online users.
func (t *Tracker) Len() int {
	return len(t.online)
}

func copyUIDs(uids []message.UID) []message.UID {
	if uids == nil {
		return []message.UID{}
	}
	return append([]message.UID(nil), uids...)
}
