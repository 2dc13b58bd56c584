package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/lalithlochan/noti/internal/delivery"
	"github.com/lalithlochan/noti/internal/interval"
	"github.com/lalithlochan/noti/internal/schedule"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidRecord wraps every Validate failure.
var ErrInvalidRecord = errors.New("invalid notification")

// Notification is one scheduled entry. Everything except MaxOccurrences and
// LastTriggered is fixed once the row is created.
type Notification struct {
	ID          int64     `json:"id"`
	GuildID     int64     `json:"guild_id,string"`
	ChannelID   int64     `json:"channel_id,string"`
	UserID      int64     `json:"user_id,string"`
	StartTime   time.Time `json:"start_time"`
	Message     string    `json:"message"`
	IsRepeating bool      `json:"is_repeating"`

	Interval *interval.Interval `json:"interval,omitempty"`
	EndTime  *time.Time         `json:"end_time,omitempty"`

	// MaxOccurrences is the number of occurrences left; every resolved
	// occurrence decrements it and the row is removed once it reaches zero.
	MaxOccurrences *int       `json:"max_occurrences,omitempty"`
	LastTriggered  *time.Time `json:"last_triggered,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Name cache kinds
const (
	KindUser    = "user"
	KindChannel = "channel"
	KindGuild   = "guild"
)

// NameEntry is a persisted display name, keyed by (ID, ScopeID, Kind). ScopeID
// is the guild for member nicknames and zero otherwise.
type NameEntry struct {
	ID        int64
	ScopeID   int64
	Kind      string
	Name      string
	UpdatedAt time.Time
}

// Validate checks the structural invariants of a record before it is stored.
func (n *Notification) Validate() error {
	if n.ChannelID == 0 || n.GuildID == 0 || n.UserID == 0 {
		return fmt.Errorf("%w: guild, channel and user are required", ErrInvalidRecord)
	}
	if n.StartTime.IsZero() {
		return fmt.Errorf("%w: start time is required", ErrInvalidRecord)
	}
	if n.IsRepeating {
		if n.Interval == nil || !n.Interval.Valid() {
			return fmt.Errorf("%w: repeating notification needs a positive interval", ErrInvalidRecord)
		}
	} else {
		if n.Interval != nil {
			return fmt.Errorf("%w: one-off notification cannot have an interval", ErrInvalidRecord)
		}
		if n.EndTime != nil || n.MaxOccurrences != nil {
			return fmt.Errorf("%w: end time and max occurrences only apply to repeating notifications", ErrInvalidRecord)
		}
	}
	if n.EndTime != nil && n.EndTime.Before(n.StartTime) {
		return fmt.Errorf("%w: end time is before start time", ErrInvalidRecord)
	}
	if n.MaxOccurrences != nil && *n.MaxOccurrences < 1 {
		return fmt.Errorf("%w: max occurrences must be at least 1", ErrInvalidRecord)
	}
	return nil
}

// IntervalDuration is zero for one-off notifications.
func (n *Notification) IntervalDuration() time.Duration {
	if !n.IsRepeating || n.Interval == nil {
		return 0
	}
	return n.Interval.ToDuration()
}

// Ended reports whether an occurrence at the given time falls past EndTime.
func (n *Notification) Ended(at time.Time) bool {
	return n.Series().After(at)
}

// Remaining returns the occurrences left and whether a ceiling is set at all.
func (n *Notification) Remaining() (int, bool) {
	if n.MaxOccurrences == nil {
		return 0, false
	}
	return *n.MaxOccurrences, true
}

// Exhausted reports whether a ceiling is set and used up.
func (n *Notification) Exhausted() bool {
	left, ok := n.Remaining()
	return ok && left <= 0
}

// Unbounded is a repeating notification with neither an end time nor a ceiling.
func (n *Notification) Unbounded() bool {
	return n.IsRepeating && n.EndTime == nil && n.MaxOccurrences == nil
}

// Destination is where occurrences are delivered.
func (n *Notification) Destination() delivery.Destination {
	return delivery.Destination{GuildID: n.GuildID, ChannelID: n.ChannelID}
}

// Series exposes the timing fields to the occurrence arithmetic.
func (n *Notification) Series() schedule.Series {
	return schedule.Series{
		Start:         n.StartTime,
		Every:         n.IntervalDuration(),
		End:           n.EndTime,
		LastTriggered: n.LastTriggered,
	}
}

// Clone returns a deep copy so a running task never shares mutable state with
// callers.
func (n *Notification) Clone() *Notification {
	c := *n
	if n.Interval != nil {
		iv := *n.Interval
		c.Interval = &iv
	}
	if n.EndTime != nil {
		t := *n.EndTime
		c.EndTime = &t
	}
	if n.MaxOccurrences != nil {
		m := *n.MaxOccurrences
		c.MaxOccurrences = &m
	}
	if n.LastTriggered != nil {
		t := *n.LastTriggered
		c.LastTriggered = &t
	}
	return &c
}
