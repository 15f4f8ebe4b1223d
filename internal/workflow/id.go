package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind names the purpose of a workflow identifier.
type Kind string

const (
	KindRecurringCheck    Kind = "recurring-check"
	KindDelayNotification Kind = "delay-notification"
	KindOneTimeCheck      Kind = "one-time-check"
	KindManualCheck       Kind = "manual-check"
)

var kinds = []Kind{KindRecurringCheck, KindDelayNotification, KindOneTimeCheck, KindManualCheck}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ID is a parsed workflow identifier.
type ID struct {
	Kind       Kind
	DeliveryID string
	Check      int       // 0 when absent
	At         time.Time // zero when absent
}

// String formats the identifier as <kind>-<deliveryID>[-check-<n>][-<unix-millis>].
func (id ID) String() string {
	var b strings.Builder
	b.WriteString(string(id.Kind))
	b.WriteByte('-')
	b.WriteString(id.DeliveryID)
	if id.Check > 0 {
		b.WriteString("-check-")
		b.WriteString(strconv.Itoa(id.Check))
	}
	if !id.At.IsZero() {
		b.WriteByte('-')
		b.WriteString(strconv.FormatInt(id.At.UnixMilli(), 10))
	}
	return b.String()
}

// NewID builds an identifier. check <= 0 and a zero time omit their suffixes.
func NewID(kind Kind, deliveryID string, check int, at time.Time) string {
	return ID{Kind: kind, DeliveryID: deliveryID, Check: check, At: at}.String()
}

// Timestamps are always 13 digits, so a delivery ID ending in a shorter digit group is not mistaken for one.
var suffixPattern = regexp.MustCompile(`^(.+?)(?:-check-([1-9][0-9]*))?(?:-([0-9]{13}))?$`)

// ParseID reverses NewID.
func ParseID(s string) (ID, error) {
	var id ID
	for _, k := range kinds {
		if strings.HasPrefix(s, string(k)+"-") {
			id.Kind = k
			break
		}
	}
	if id.Kind == "" {
		return ID{}, fmt.Errorf("parsing workflow id %q: unknown kind", s)
	}

	m := suffixPattern.FindStringSubmatch(strings.TrimPrefix(s, string(id.Kind)+"-"))
	if m == nil {
		return ID{}, fmt.Errorf("parsing workflow id %q: missing delivery id", s)
	}
	id.DeliveryID = m[1]
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return ID{}, fmt.Errorf("parsing workflow id %q: %w", s, err)
		}
		id.Check = n
	}
	if m[3] != "" {
		ms, err := strconv.ParseInt(m[3], 10, 64)
		if err != nil {
			return ID{}, fmt.Errorf("parsing workflow id %q: %w", s, err)
		}
		id.At = time.UnixMilli(ms).UTC()
	}
	return id, nil
}
