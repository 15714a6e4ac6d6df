// Package event carries crawler lifecycle and document notifications from the
// crawl loop to observers. Firing never blocks and never fails the crawl.
package event

import (
	"errors"
	"time"
)

// Name identifies what happened.
type Name string

// Crawler events.
const (
	CrawlerStart          Name = "CRAWLER_START"
	CrawlerEnd            Name = "CRAWLER_END"
	CrawlerError          Name = "CRAWLER_ERROR"
	CrawlerStopRequested  Name = "CRAWLER_STOP_REQUESTED"
	CrawlerRunThreadBegin Name = "CRAWLER_RUN_THREAD_BEGIN"
	CrawlerRunThreadEnd   Name = "CRAWLER_RUN_THREAD_END"
	DocumentQueued        Name = "DOCUMENT_QUEUED"
	DocumentProcessed     Name = "DOCUMENT_PROCESSED"
	DocumentDeleted       Name = "DOCUMENT_DELETED"
	RejectedError         Name = "REJECTED_ERROR"
	RejectedDuplicate     Name = "REJECTED_DUPLICATE"
	RejectedRobotsTxt     Name = "REJECTED_ROBOTS_TXT"
	OrphansQueued         Name = "ORPHANS_QUEUED"
)

// Event is one notification.
type Event struct {
	Name      Name          `json:"name"`
	TS        time.Time     `json:"ts"`
	Node      string        `json:"node,omitempty"`
	Crawler   string        `json:"crawler,omitempty"`
	Reference string        `json:"reference,omitempty"`
	State     string        `json:"state,omitempty"`
	Error     string        `json:"error,omitempty"`
	Count     int64         `json:"count,omitempty"`
	Dur       time.Duration `json:"dur,omitempty"`
	Note      string        `json:"note,omitempty"`
}

// WithError records err on the event.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Validate rejects events without a name or timestamp.
func (e Event) Validate() error {
	if e.Name == "" {
		return errors.New("event name is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
