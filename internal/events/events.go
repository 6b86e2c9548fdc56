package events

import "time"

const (
	SubjectImportRequested = "refcast.import.requested"
	SubjectImportStarted   = "refcast.import.started"
	SubjectLayoutCreated   = "refcast.layout.created"
	SubjectImportFailed    = "refcast.import.failed"
)

// EventHeader contains metadata common to all events.
type EventHeader struct {
	Timestamp  time.Time `json:"Timestamp"`
	WorkflowID string    `json:"WorkflowID"`
	UserID     string    `json:"UserID"`
	TenantID   string    `json:"TenantID"`
	EventID    string    `json:"EventID"`
}

// ImportSettings override the service's configured import defaults. Empty
// fields and nil pointers keep the configured value.
type ImportSettings struct {
	Mode         string   `json:"Mode,omitempty"`
	View         string   `json:"View,omitempty"`
	Pivot        string   `json:"Pivot,omitempty"`
	MaterialType string   `json:"MaterialType,omitempty"`
	Layer        string   `json:"Layer,omitempty"`
	Scale        *float64 `json:"Scale,omitempty"`
	Offset       *float64 `json:"Offset,omitempty"`
	AutoOffset   *bool    `json:"AutoOffset,omitempty"`
	UseAlpha     *bool    `json:"UseAlpha,omitempty"`
	Opacity      *float64 `json:"Opacity,omitempty"`
}

// ImportRequestedEvent asks the worker to plan reference planes. Paths are
// read from the worker's file system; ObjectKeys are fetched from the media
// bucket first.
type ImportRequestedEvent struct {
	Header     EventHeader     `json:"Header"`
	Paths      []string        `json:"Paths,omitempty"`
	ObjectKeys []string        `json:"ObjectKeys,omitempty"`
	Settings   *ImportSettings `json:"Settings,omitempty"`
}

// ImportStartedEvent is published once a request has been accepted.
type ImportStartedEvent struct {
	Header     EventHeader `json:"Header"`
	InputCount int         `json:"InputCount"`
}

// LayoutCreatedEvent is triggered after a layout has been planned and stored.
type LayoutCreatedEvent struct {
	Header      EventHeader `json:"Header"`
	LayoutKey   string      `json:"LayoutKey,omitempty"`
	Mode        string      `json:"Mode"`
	PlaneCount  int         `json:"PlaneCount"`
	FailedPaths []string    `json:"FailedPaths,omitempty"`
	Undetected  []string    `json:"Undetected,omitempty"`
	// Layout carries the manifest inline when no layout bucket is configured.
	Layout []byte `json:"Layout,omitempty"`
}

// ImportFailedEvent reports a request that could not be planned at all.
type ImportFailedEvent struct {
	Header EventHeader `json:"Header"`
	Reason string      `json:"Reason"`
}
