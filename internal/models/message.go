package models

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders queued messages. Lower values are sent first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// ParsePriority accepts the priority names used on the command line and in config.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Result is the outcome recorded in the activity log for a delivery attempt.
type Result int

const (
	ResultSent     Result = 1
	ResultSkipped  Result = 2
	ResultFailed   Result = 3
	ResultDeferred Result = 4
)

func (r Result) String() string {
	switch r {
	case ResultSent:
		return "success"
	case ResultSkipped:
		return "not sent (blacklisted)"
	case ResultFailed:
		return "failure"
	case ResultDeferred:
		return "deferred"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Terminal reports whether the result ends the life of a queue entry.
func (r Result) Terminal() bool {
	return r == ResultSent || r == ResultSkipped || r == ResultFailed
}

// Message is a fully encoded outbound email. ToAddress, FromAddress and Subject
// are copies of common header values kept for easy access; EncodedMessage holds
// the complete message ready to be handed to a transport.
type Message struct {
	ID             int64     `json:"id"`
	ToAddress      string    `json:"toAddress"`
	FromAddress    string    `json:"fromAddress"`
	Subject        string    `json:"subject"`
	EncodedMessage []byte    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
}

// QueuedMessage is the queue entry for a message that has not been resolved yet.
type QueuedMessage struct {
	MessageID     int64      `json:"messageId"`
	Priority      Priority   `json:"priority"`
	DeferredUntil *time.Time `json:"deferredUntil,omitempty"`
	Retries       int        `json:"retries"`
	QueuedAt      time.Time  `json:"queuedAt"`
}

// Eligible reports whether the entry may be attempted at now.
func (q *QueuedMessage) Eligible(now time.Time) bool {
	return q.DeferredUntil == nil || !q.DeferredUntil.After(now)
}

// BlacklistEntry suppresses delivery to Email.
type BlacklistEntry struct {
	Email   string    `json:"email"`
	AddedAt time.Time `json:"addedAt"`
}

// LogEntry records the activity of a queued message.
type LogEntry struct {
	ID         int64     `json:"id"`
	MessageID  int64     `json:"messageId"`
	Result     Result    `json:"result"`
	Date       time.Time `json:"date"`
	LogMessage string    `json:"logMessage"`
}

// QueueStats summarises the current queue for status views.
type QueueStats struct {
	ByPriority map[Priority]int `json:"byPriority"`
	Deferred   int              `json:"deferred"`
	Total      int              `json:"total"`
}
