package worker

import (
	"sync"
	"time"
)

// ItemResult is the per-enrollment outcome of one scheduler pass
type ItemResult struct {
	EnrollmentID uint   `json:"enrollment_id"`
	Recipient    string `json:"recipient"`
	StepPosition int    `json:"step_position"`
	Status       string `json:"status"` // sent, failed, skipped
	Error        string `json:"error,omitempty"`
}

// TickResult summarizes one scheduler pass
type TickResult struct {
	RanAt   time.Time    `json:"ran_at"`
	Found   int          `json:"found"`
	Sent    int          `json:"sent"`
	Failed  int          `json:"failed"`
	Skipped int          `json:"skipped"`
	Items   []ItemResult `json:"items"`
}

const historySize = 20

// DiagnosticsHub keeps a short ring of recent tick results and fans them
// out to live subscribers (the diagnostics websocket).
type DiagnosticsHub struct {
	mu          sync.Mutex
	history     []*TickResult
	subscribers map[chan *TickResult]struct{}
}

func NewDiagnosticsHub() *DiagnosticsHub {
	return &DiagnosticsHub{
		subscribers: make(map[chan *TickResult]struct{}),
	}
}

func (h *DiagnosticsHub) Publish(result *TickResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, result)
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}

	for ch := range h.subscribers {
		select {
		case ch <- result:
		default:
			// Slow consumer, drop the update rather than block a tick
		}
	}
}

// Subscribe returns a channel of future tick results and a cancel func
func (h *DiagnosticsHub) Subscribe() (<-chan *TickResult, func()) {
	ch := make(chan *TickResult, 4)

	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// History returns the retained tick results, oldest first
func (h *DiagnosticsHub) History() []*TickResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*TickResult, len(h.history))
	copy(out, h.history)
	return out
}
