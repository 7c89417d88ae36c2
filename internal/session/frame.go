package session

import (
	"github.com/jfoltran/pgrepl/internal/feedback"
	"github.com/jfoltran/pgrepl/internal/wire"
)

// encodeStandbyStatusUpdate builds the 'r' status update frame the
// feedback scheduler sends over CopyBoth.
func encodeStandbyStatusUpdate(status feedback.Status) []byte {
	w := wire.NewWriter(34)
	w.Byte('r').
		Uint64(status.Received.Uint64()).
		Uint64(status.Flushed.Uint64()).
		Uint64(status.Applied.Uint64()).
		Int64(status.ClockMicros)
	reply := byte(0)
	if status.ReplyRequested {
		reply = 1
	}
	return w.Byte(reply).Bytes()
}
