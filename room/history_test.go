package room

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tcriess/lightspeed-muc/types"
)

func fillHistory(h *history, n int) {
	base := time.Now().Add(-time.Duration(n) * time.Second)
	for i := 0; i < n; i++ {
		h.add(types.Message{
			Body:      fmt.Sprintf("msg-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
}

func TestHistoryRingWrapsAround(t *testing.T) {
	h := newHistory(5)
	fillHistory(h, 8)
	messages := h.all()
	assert.Len(t, messages, 4)
	assert.Equal(t, "msg-4", messages[0].Body)
	assert.Equal(t, "msg-7", messages[3].Body)
}

func TestHistorySliceMaxStanzas(t *testing.T) {
	h := newHistory(20)
	fillHistory(h, 10)
	messages := h.slice(&types.HistoryRequest{MaxStanzas: 3})
	assert.Len(t, messages, 3)
	assert.Equal(t, "msg-9", messages[2].Body)
}

func TestHistorySliceMaxChars(t *testing.T) {
	h := newHistory(20)
	fillHistory(h, 10) // each body is 5 chars
	messages := h.slice(&types.HistoryRequest{MaxChars: 12})
	assert.Len(t, messages, 2)
}

func TestHistorySliceSince(t *testing.T) {
	h := newHistory(20)
	fillHistory(h, 10)
	cutoff := time.Now().Add(-3500 * time.Millisecond)
	messages := h.slice(&types.HistoryRequest{Since: cutoff})
	assert.Len(t, messages, 3)
}

func TestHistoryNilRequestReturnsAll(t *testing.T) {
	h := newHistory(20)
	fillHistory(h, 4)
	assert.Len(t, h.slice(nil), 4)
}
