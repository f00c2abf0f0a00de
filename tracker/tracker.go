package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

var (
	ErrUnsupportedScheme = errors.New("tracker: unsupported url scheme")
	//ErrFailure wraps the failure reason a tracker responded with
	ErrFailure = errors.New("tracker: failure")
)

type Event int32

//values match the ones used by UDP trackers
const (
	None Event = iota
	Completed
	Started
	Stopped
)

var events = map[Event]string{
	Completed: "completed",
	Started:   "started",
	Stopped:   "stopped",
}

func (e Event) String() string {
	if s, ok := events[e]; ok {
		return s
	}
	return "empty"
}

type AnnounceReq struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      Event
	Key        int32
	Numwant    int32
	Port       uint16
}

type AnnounceResp struct {
	Interval int32
	//zero when the tracker didn't send one
	MinInterval int32
	Leechers    int32
	Seeders     int32
	TrackerID   string
	Peers       []Peer
}

type Peer struct {
	IP   net.IP
	Port int
	//empty for compact responses
	ID []byte
}

func (p Peer) Addr() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(p.Port))
}

func (p Peer) String() string {
	return p.Addr()
}

type Tracker interface {
	Announce(context.Context, AnnounceReq) (*AnnounceResp, error)
	URL() string
}

//New returns a Tracker for the announce url u. Only http(s) trackers are
//supported.
func New(u string) (Tracker, error) {
	pu, err := url.Parse(u)
	if err != nil {
		return nil, fmt.Errorf("tracker url: %w", err)
	}
	switch pu.Scheme {
	case "http", "https":
		return &HTTPTracker{url: u}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, pu.Scheme)
	}
}
