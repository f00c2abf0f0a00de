//go:build !linux

package torrent

import (
	"time"

	"github.com/anacrolix/log"
)

type mux struct {
	accept acceptFunc
}

func newMux(logger log.Logger, maxConns int) (*mux, error) {
	return nil, errUnsupportedPlatform
}

func (m *mux) listen(port int) (int, error) {
	return 0, errUnsupportedPlatform
}

func (m *mux) dial(addr string) (transport, error) {
	return nil, errUnsupportedPlatform
}

func (m *mux) add(s *session) {}

func (m *mux) numConns() int {
	return 0
}

func (m *mux) runOnce(timeout time.Duration) (bool, error) {
	return false, errUnsupportedPlatform
}

func (m *mux) wake() {}

func (m *mux) close() error {
	return nil
}
