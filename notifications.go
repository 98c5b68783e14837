package xstorage

import (
	"sync"

	"github.com/go-logr/logr"
)

const (
	NotificationStatusIdle      = "idle"
	NotificationStatusHasUnread = "has_unread"
	NotificationEventType       = "notification"
)

// Alert is one entry of notifications.results.
type Alert struct {
	ID   string
	Data Document
}

// NotificationWatcher reports every alert it has not seen before, once. Alerts
// already present in the first snapshot it sees are taken as history and not
// reported.
type NotificationWatcher struct {
	mu            sync.Mutex
	seen          map[string]struct{}
	primed        bool
	lastEventType string
	unread        int

	handler     func(Alert)
	log         logr.Logger
	unsubscribe func()
}

// NewNotificationWatcher calls handler for each new alert. The current
// snapshot of coord primes the watcher when it already holds data.
func NewNotificationWatcher(coord Refresher, handler func(Alert), log logr.Logger) *NotificationWatcher {
	w := &NotificationWatcher{
		seen:    make(map[string]struct{}),
		handler: handler,
		log:     log,
	}
	if snapshot := coord.Snapshot(); !snapshot.FetchedAt().IsZero() && snapshot.Err(SectionNotifications) == nil {
		w.Observe(snapshot)
	}
	w.unsubscribe = coord.Subscribe(w.Observe)
	return w
}

func (w *NotificationWatcher) Close() {
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
}

func alertID(item map[string]any) string {
	for _, key := range []string{"alertId", "alert_id"} {
		if id := stringify(item[key]); id != "" {
			return id
		}
	}
	return ""
}

func extractAlerts(snapshot *Snapshot) []Alert {
	results, ok := snapshot.Section(SectionNotifications).Lookup("results")
	if !ok {
		return nil
	}
	items, ok := results.([]any)
	if !ok {
		return nil
	}
	var alerts []Alert
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			continue
		}
		if id := alertID(m); id != "" {
			alerts = append(alerts, Alert{ID: id, Data: Document(m)})
		}
	}
	return alerts
}

// Observe processes one snapshot. It is registered with the coordinator and
// only needs to be called directly when no coordinator is involved. A
// snapshot whose notifications section failed never primes the watcher.
func (w *NotificationWatcher) Observe(snapshot *Snapshot) {
	alerts := extractAlerts(snapshot)
	unread, _ := snapshot.Int(SectionUnreadNotificationsCount, "total")

	var fresh []Alert
	w.mu.Lock()
	w.unread = unread
	if !w.primed && snapshot.Err(SectionNotifications) != nil {
		w.mu.Unlock()
		w.log.V(1).Info("Notifications unavailable, not priming yet")
		return
	}
	for _, alert := range alerts {
		if _, ok := w.seen[alert.ID]; ok {
			continue
		}
		w.seen[alert.ID] = struct{}{}
		if w.primed {
			fresh = append(fresh, alert)
			w.lastEventType = NotificationEventType
		}
	}
	w.primed = true
	w.mu.Unlock()

	for _, alert := range fresh {
		w.log.Info("New device notification", "alert_id", alert.ID)
		if w.handler != nil {
			w.handler(alert)
		}
	}
}

func (w *NotificationWatcher) UnreadCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.unread
}

// Status is has_unread while unread notifications exist, otherwise the type
// of the last reported event, otherwise idle.
func (w *NotificationWatcher) Status() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.unread > 0:
		return NotificationStatusHasUnread
	case w.lastEventType != "":
		return w.lastEventType
	}
	return NotificationStatusIdle
}
