package room

import (
	"container/ring"
	"time"

	"github.com/tcriess/lightspeed-muc/types"
)

const defaultHistorySize = 20

// history keeps the most recent room messages in a ring buffer. Access is
// guarded by the owning room's lock.
type history struct {
	start, end *ring.Ring
}

func newHistory(size int) *history {
	if size <= 0 {
		size = defaultHistorySize
	}
	r := ring.New(size)
	return &history{start: r, end: r}
}

func (h *history) add(msg types.Message) {
	h.end.Value = msg
	h.end = h.end.Next()
	if h.end == h.start {
		h.start = h.start.Next()
	}
}

func (h *history) all() []types.Message {
	messages := make([]types.Message, 0)
	for current := h.start; current != h.end; current = current.Next() {
		messages = append(messages, current.Value.(types.Message))
	}
	return messages
}

// slice applies a client history request to the buffered messages. A nil
// request returns the default slice (everything buffered).
func (h *history) slice(req *types.HistoryRequest) []types.Message {
	messages := h.all()
	if req == nil {
		return messages
	}
	if req.Seconds > 0 {
		cutoff := time.Now().Add(-time.Duration(req.Seconds) * time.Second)
		messages = since(messages, cutoff)
	}
	if !req.Since.IsZero() {
		messages = since(messages, req.Since)
	}
	if req.MaxStanzas > 0 && len(messages) > req.MaxStanzas {
		messages = messages[len(messages)-req.MaxStanzas:]
	}
	if req.MaxChars > 0 {
		total := 0
		cut := len(messages)
		for i := len(messages) - 1; i >= 0; i-- {
			total += len(messages[i].Body) + len(messages[i].Subject)
			if total > req.MaxChars {
				break
			}
			cut = i
		}
		messages = messages[cut:]
	}
	return messages
}

func since(messages []types.Message, cutoff time.Time) []types.Message {
	for i, m := range messages {
		if m.Timestamp.After(cutoff) {
			return messages[i:]
		}
	}
	return nil
}
