package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/anacrolix/torrent/bencode"
)

//HTTPTracker announces over http(s). It remembers the tracker id the tracker
//gave us and sends it back on later announces.
type HTTPTracker struct {
	url    string
	id     string
	Client *http.Client
}

func (t *HTTPTracker) URL() string {
	return t.url
}

type httpAnnounceResponse struct {
	Fail        string `bencode:"failure reason,omitempty"`
	Warning     string `bencode:"warning message,omitempty"`
	Interval    int32  `bencode:"interval"`
	MinInterval int32  `bencode:"min interval,omitempty"`
	TrackerID   string `bencode:"tracker id,omitempty"`
	Complete    int32  `bencode:"complete,omitempty"`
	Incomplete  int32  `bencode:"incomplete,omitempty"`
	Peers       peers  `bencode:"peers,omitempty"`
}

//peers is either a compact string of 6 byte entries or a list of
//dictionaries.
type peers []Peer

var _ bencode.Unmarshaler = (*peers)(nil)

type dictPeer struct {
	ID   string `bencode:"peer id,omitempty"`
	IP   string `bencode:"ip"`
	Port int    `bencode:"port"`
}

func (ps *peers) UnmarshalBencode(b []byte) error {
	if len(b) > 0 && b[0] == 'l' {
		var list []dictPeer
		if err := bencode.Unmarshal(b, &list); err != nil {
			return err
		}
		for _, dp := range list {
			ip, err := resolve(dp.IP)
			if err != nil {
				return err
			}
			p := Peer{IP: ip, Port: dp.Port}
			if dp.ID != "" {
				p.ID = []byte(dp.ID)
			}
			*ps = append(*ps, p)
		}
		return nil
	}
	var compact string
	if err := bencode.Unmarshal(b, &compact); err != nil {
		return err
	}
	return ps.unmarshalCompact([]byte(compact))
}

func (ps *peers) unmarshalCompact(b []byte) error {
	const entryLen = 6
	if len(b)%entryLen != 0 {
		return fmt.Errorf("compact peers: length %d is not a multiple of %d", len(b), entryLen)
	}
	for i := 0; i < len(b); i += entryLen {
		*ps = append(*ps, Peer{
			IP:   net.IPv4(b[i], b[i+1], b[i+2], b[i+3]),
			Port: int(binary.BigEndian.Uint16(b[i+4:])),
		})
	}
	return nil
}

//resolve accepts an IPv4/6 address or a DNS name.
func resolve(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("peer ip %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("peer ip %q: no addresses", host)
	}
	return ips[0], nil
}

func (r *httpAnnounceResponse) announceResp() *AnnounceResp {
	return &AnnounceResp{
		Interval:    r.Interval,
		MinInterval: r.MinInterval,
		Leechers:    r.Incomplete,
		Seeders:     r.Complete,
		TrackerID:   r.TrackerID,
		Peers:       r.Peers,
	}
}

func (t *HTTPTracker) Announce(ctx context.Context, r AnnounceReq) (*AnnounceResp, error) {
	resp, err := t.announce(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("http announce: %w", err)
	}
	if resp.TrackerID != "" {
		t.id = resp.TrackerID
	}
	return resp.announceResp(), nil
}

func (t *HTTPTracker) announce(ctx context.Context, r AnnounceReq) (*httpAnnounceResponse, error) {
	u, err := r.buildURL(t.url, t.id)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("response status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var res httpAnnounceResponse
	if err = bencode.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if res.Fail != "" {
		return nil, fmt.Errorf("%w: %w", ErrFailure, errors.New(res.Fail))
	}
	return &res, nil
}

func (r AnnounceReq) buildURL(announce, trackerID string) (*url.URL, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	for k, vs := range r.queryValues(trackerID) {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u, nil
}

func (r AnnounceReq) queryValues(trackerID string) url.Values {
	v := url.Values{}
	v.Set("info_hash", string(r.InfoHash[:]))
	v.Set("peer_id", string(r.PeerID[:]))
	v.Set("port", strconv.Itoa(int(r.Port)))
	v.Set("uploaded", strconv.FormatInt(r.Uploaded, 10))
	v.Set("downloaded", strconv.FormatInt(r.Downloaded, 10))
	v.Set("left", strconv.FormatInt(r.Left, 10))
	v.Set("compact", "1")
	if r.Event != None {
		v.Set("event", r.Event.String())
	}
	if r.Numwant != 0 {
		v.Set("numwant", strconv.Itoa(int(r.Numwant)))
	}
	if r.Key != 0 {
		v.Set("key", strconv.Itoa(int(r.Key)))
	}
	if trackerID != "" {
		v.Set("trackerid", trackerID)
	}
	return v
}
