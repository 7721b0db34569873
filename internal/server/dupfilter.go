package server

import "github.com/PixelWeatherProject/pwmp-server/internal/proto"

// DupWindowSize is the number of recent inbound message ids remembered
// per session.
const DupWindowSize = 32

// DupFilter is a bounded FIFO over the most recent inbound message ids.
// It defends against replays of a captured frame without requiring
// timestamps. Membership checks are linear; the window is small.
//
// A DupFilter is owned by exactly one session and is not safe for
// concurrent use.
type DupFilter struct {
	ids  [DupWindowSize]proto.MsgID
	len  int
	next int
}

// Observe records id in the window. It reports false when the id was
// already present; the id is recorded (evicting the oldest entry when
// full) otherwise.
func (f *DupFilter) Observe(id proto.MsgID) bool {
	for i := range f.len {
		if f.ids[i] == id {
			return false
		}
	}

	f.ids[f.next] = id
	f.next = (f.next + 1) % DupWindowSize
	if f.len < DupWindowSize {
		f.len++
	}
	return true
}
