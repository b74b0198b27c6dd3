// Package stream accumulates high-frequency incremental output fragments
// (model token deltas, command output) per backend session and applies them
// to durable item state in coalesced batches, trading a small fixed latency
// for a drastically lower update rate while keeping memory bounded.
package stream

// Kind discriminates the independent delta channels a session produces.
type Kind int

const (
	KindMessage Kind = iota
	KindCommandOutput
	KindFileChange
	KindReasoningSummary
	KindReasoningContent
	KindProgressLog
)

// String returns the channel name for logging and snapshots.
func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindCommandOutput:
		return "command_output"
	case KindFileChange:
		return "file_change"
	case KindReasoningSummary:
		return "reasoning_summary"
	case KindReasoningContent:
		return "reasoning_content"
	case KindProgressLog:
		return "progress_log"
	default:
		return "unknown"
	}
}

// Item is one accumulated text blob for a single item on one channel.
type Item struct {
	Kind   Kind
	ItemID string
	Text   string
}

// Snapshot is the drained content of a session buffer handed to a flush
// function. Items appear grouped by channel in a stable order.
type Snapshot struct {
	SessionID string
	Items     []Item
}

// Empty reports whether the snapshot carries no content.
func (s Snapshot) Empty() bool {
	return len(s.Items) == 0
}

// FlushFunc applies a drained snapshot to durable item state.
type FlushFunc func(Snapshot) error
