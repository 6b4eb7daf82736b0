package core

// Command is a directive sent from a foreground actor to a background
// actor through a ControlChannel.
type Command int

const (
	// CommandUnknown is the empty-slot sentinel.
	CommandUnknown Command = iota
	// CommandRequestPage asks the dispatcher to fetch and parse a page.
	CommandRequestPage
	// CommandStop asks the dispatcher to exit its loop.
	CommandStop
)

func (c Command) String() string {
	switch c {
	case CommandRequestPage:
		return "request_page"
	case CommandStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Response is a signal sent from a background actor to a foreground actor
// through a StatusChannel.
type Response int

const (
	// ResponseUnknown is the empty-slot sentinel.
	ResponseUnknown Response = iota
	// ResponseStatus carries a human readable progress string.
	ResponseStatus
	// ResponsePageReady carries a finished document.
	ResponsePageReady
	// ResponsePageFailed carries the error that ended a page request.
	ResponsePageFailed
)

func (r Response) String() string {
	switch r {
	case ResponseStatus:
		return "status"
	case ResponsePageReady:
		return "page_ready"
	case ResponsePageFailed:
		return "page_failed"
	default:
		return "unknown"
	}
}

// ControlChannel carries commands foreground → background.
type ControlChannel = Mailbox[Command]

// StatusChannel carries responses background → foreground.
type StatusChannel = Mailbox[Response]

// NewControlChannel creates an empty command mailbox.
func NewControlChannel(name string, metrics Metrics) *ControlChannel {
	return NewMailbox(name, WithMailboxMetrics[Command](metrics))
}

// NewStatusChannel creates an empty response mailbox.
func NewStatusChannel(name string, metrics Metrics) *StatusChannel {
	return NewMailbox(name, WithMailboxMetrics[Response](metrics))
}
