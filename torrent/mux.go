package torrent

import (
	"errors"
	"time"
)

var errUnsupportedPlatform = errors.New("poll multiplexer is only supported on linux")

//acceptFunc turns an inbound connection into a session. A nil session means
//the connection was refused and its transport must be closed.
type acceptFunc func(tr transport, addr string) *session

//pollTimeoutMillis converts d to the millisecond timeout poll expects. A
//negative duration blocks forever.
func pollTimeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if ms == 0 && d > 0 {
		ms = 1
	}
	return int(ms)
}
