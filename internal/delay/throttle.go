package delay

import (
	"fmt"
	"time"

	"github.com/delaywatch/delaywatch/internal/delivery"
)

// Decision is a throttle verdict with a reason for logs.
type Decision struct {
	Allow  bool
	Reason string
}

// ShouldNotify reports whether a notification for newDelay may be sent now.
func ShouldNotify(history []delivery.NotificationRecord, newDelay int, settings delivery.MonitoringSettings, now time.Time) bool {
	return EvaluateThrottle(history, newDelay, settings, now).Allow
}

// EvaluateThrottle applies the notification cooldown. Inside the cooldown a notification
// is still allowed when the delay moved by at least MinDelayChangeMinutes; a non-positive
// minimum change disables that override. History order is not assumed.
func EvaluateThrottle(history []delivery.NotificationRecord, newDelay int, settings delivery.MonitoringSettings, now time.Time) Decision {
	last, ok := mostRecent(history)
	if !ok {
		return Decision{Allow: true, Reason: "no previous notification"}
	}

	elapsed := now.Sub(last.SentAt)
	cooldown := settings.Cooldown()
	if elapsed >= cooldown {
		return Decision{Allow: true, Reason: fmt.Sprintf("cooldown elapsed (%s since last notification)", elapsed.Round(time.Minute))}
	}

	change := abs(newDelay - last.DelayMinutes)
	if settings.MinDelayChangeMinutes > 0 && change >= settings.MinDelayChangeMinutes {
		return Decision{Allow: true, Reason: fmt.Sprintf("delay changed by %d min within cooldown", change)}
	}

	return Decision{
		Allow:  false,
		Reason: fmt.Sprintf("within cooldown (%s left), delay changed by %d min", (cooldown - elapsed).Round(time.Minute), change),
	}
}

func mostRecent(history []delivery.NotificationRecord) (delivery.NotificationRecord, bool) {
	if len(history) == 0 {
		return delivery.NotificationRecord{}, false
	}
	last := history[0]
	for _, rec := range history[1:] {
		if rec.SentAt.After(last.SentAt) {
			last = rec
		}
	}
	return last, true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
