package events

import (
	"fmt"
)

// Kind identifies one of the fixed notification channels.
type Kind int

const (
	// ListChanged fires when a download is added to or removed from the registry.
	ListChanged Kind = iota
	// ProgressChanged fires when the aggregate (count, average) status changes.
	ProgressChanged
	// ProgressDetail fires when a single download reports progress and speed.
	ProgressDetail
)

// Kinds lists every valid kind in declaration order.
var Kinds = []Kind{ListChanged, ProgressChanged, ProgressDetail}

func (k Kind) String() string {
	switch k {
	case ListChanged:
		return "list-changed"
	case ProgressChanged:
		return "progress-changed"
	case ProgressDetail:
		return "progress-detail"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

func (k Kind) valid() bool {
	return k >= ListChanged && k <= ProgressDetail
}

// ParseKind maps a channel name to its Kind.
func ParseKind(name string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == name {
			return k, nil
		}
	}

	return 0, &UnknownEventError{Name: name}
}

// UnknownEventError is returned when subscribing or publishing to a channel
// outside the fixed set.
type UnknownEventError struct {
	Name string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown event %q", e.Name)
}

// Event is a notification payload. Each payload type belongs to exactly one Kind.
type Event interface {
	Kind() Kind
}

// ListChangedEvent carries no data; observers re-read the download list.
type ListChangedEvent struct{}

func (ListChangedEvent) Kind() Kind { return ListChanged }

// ProgressChangedEvent reports the number of downloads in flight and their
// average progress in [0,1].
type ProgressChangedEvent struct {
	Count   int     `json:"count"`
	Average float64 `json:"average"`
}

func (ProgressChangedEvent) Kind() Kind { return ProgressChanged }

// ProgressDetailEvent reports the progress of a single download.
type ProgressDetailEvent struct {
	URL      string  `json:"url"`
	Progress float64 `json:"progress"`
	Speed    string  `json:"speed"`
}

func (ProgressDetailEvent) Kind() Kind { return ProgressDetail }
