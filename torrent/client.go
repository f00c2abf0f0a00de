package torrent

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/anacrolix/log"

	"github.com/lkslts64/pollbt/metainfo"
	"github.com/lkslts64/pollbt/torrent/storage"
	"github.com/lkslts64/pollbt/tracker"
)

var (
	ErrMultiFile      = errors.New("multi-file torrents are not supported")
	ErrTorrentExists  = errors.New("torrent already exists")
	ErrNoTorrent      = errors.New("no torrent added")
	ErrAnnounceFailed = errors.New("first announce failed and no peers are known")
)

//Config provides configuration for a Client.
type Config struct {
	//port to listen for peers, 0 tries 6881-6889 and then any free port
	ListenPort int
	//6 bytes embedded in our peer id
	PeerIDSeed string
	//max outstanding requests per peer
	RequestWindow int
	//longest time the event loop waits for readiness
	PollTimeout time.Duration
	//directory to store the data
	DataDir string
	//storage.KindFile or storage.KindMMap
	Storage string
	//keep serving peers after the download completes
	Seed     bool
	MaxPeers int
	//peers asked from the tracker
	NumWant int
	//This option disables announces. Peers must be added with AddPeers.
	DisableTrackers bool
	DisableListen   bool
	AnnounceTimeout time.Duration
	Logger          log.Logger
}

//DefaultConfig Returns the default configuration for a client
func DefaultConfig() (*Config, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return &Config{
		PeerIDSeed:      DefaultPeerIDSeed,
		RequestWindow:   5,
		PollTimeout:     10 * time.Second,
		DataDir:         dir,
		Storage:         storage.KindFile,
		MaxPeers:        55,
		NumWant:         50,
		AnnounceTimeout: 10 * time.Second,
		Logger:          log.Default,
	}, nil
}

//Client drives a single torrent with one event loop: every socket is polled
//from the goroutine calling Run.
type Client struct {
	config *Config
	logger log.Logger
	peerID [20]byte
	mux    *mux
	port   int
	t      *Torrent

	announcer    *trackerAnnouncer
	nextAnnounce time.Time
	lastAnnounce time.Time
	sentStarted  bool
	closed       bool
}

//NewClient creats a fresh new Client with the provided configuration.
//Use `NewClient(nil)` for the default configuration.
func NewClient(cfg *Config) (*Client, error) {
	var err error
	if cfg == nil {
		cfg, err = DefaultConfig()
		if err != nil {
			return nil, err
		}
	}
	cl := &Client{
		config: cfg,
		logger: cfg.Logger.WithNames("client"),
	}
	if cl.peerID, err = newPeerID(cfg.PeerIDSeed, time.Now()); err != nil {
		return nil, err
	}
	if cl.mux, err = newMux(cfg.Logger.WithNames("mux"), cfg.MaxPeers); err != nil {
		return nil, err
	}
	cl.mux.accept = cl.accept
	if !cfg.DisableListen {
		if cl.port, err = cl.mux.listen(cfg.ListenPort); err != nil {
			cl.mux.close()
			return nil, fmt.Errorf("listen: %w", err)
		}
		cl.logger.Levelf(log.Info, "listening on port %d", cl.port)
	}
	return cl, nil
}

//Port returns the port we accept peers on, 0 if we don't listen.
func (cl *Client) Port() int {
	return cl.port
}

func (cl *Client) PeerID() [20]byte {
	return cl.peerID
}

//Torrent returns the torrent added to the client or nil.
func (cl *Client) Torrent() *Torrent {
	return cl.t
}

//AddFromFile creates a torrent based on the contents of filename.
//The Torrent returned is complete if all the data is already downloaded.
func (cl *Client) AddFromFile(filename string) (*Torrent, error) {
	mi, err := metainfo.LoadFile(filename)
	if err != nil {
		return nil, err
	}
	return cl.AddMetaInfo(mi)
}

//AddMetaInfo opens the storage of mi and checks the data it already has.
func (cl *Client) AddMetaInfo(mi *metainfo.MetaInfo) (*Torrent, error) {
	if cl.t != nil {
		return nil, ErrTorrentExists
	}
	info, err := mi.Info()
	if err != nil {
		return nil, err
	}
	var file metainfo.SingleFile
	switch l := info.Layout().(type) {
	case metainfo.SingleFile:
		file = l
	case metainfo.MultiFile:
		return nil, fmt.Errorf("%w: %s has %d files", ErrMultiFile, l.Name, len(l.Files))
	}
	open, err := storage.OpenerFor(cl.config.Storage)
	if err != nil {
		return nil, err
	}
	s, err := open(filepath.Join(cl.config.DataDir, file.Name), file.Length)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	t, err := newTorrent(mi, info, cl.peerID, s, cl.config.RequestWindow, cl.config.Logger.WithNames("torrent"))
	if err != nil {
		s.Close()
		return nil, err
	}
	t.maxConns = cl.config.MaxPeers
	if err = t.verifyExisting(); err != nil {
		s.Close()
		return nil, err
	}
	cl.t = t
	return t, nil
}

func (cl *Client) accept(tr transport, addr string) *session {
	t := cl.t
	if t == nil || len(t.conns) >= t.maxConns {
		return nil
	}
	s := newSession(t, tr, addr, false)
	t.addSession(s)
	s.logger.Levelf(log.Debug, "accepted")
	return s
}

//AddPeers connects to the peers at addrs we are not connected to yet. It
//must not be called concurrently with Run.
func (cl *Client) AddPeers(addrs ...string) error {
	t := cl.t
	if t == nil {
		return ErrNoTorrent
	}
	for _, addr := range addrs {
		if !t.wantPeers() {
			break
		}
		if t.connectedTo(addr) {
			continue
		}
		tr, err := cl.mux.dial(addr)
		if err != nil {
			cl.logger.Levelf(log.Debug, "%v", err)
			continue
		}
		s := newSession(t, tr, addr, true)
		t.addSession(s)
		cl.mux.add(s)
	}
	return nil
}

//Run drives the torrent until it completes (unless seeding) or ctx is done.
//Cancellation returns ctx.Err() unless the torrent is complete by then.
func (cl *Client) Run(ctx context.Context) error {
	t := cl.t
	if t == nil {
		return ErrNoTorrent
	}
	stop := context.AfterFunc(ctx, cl.mux.wake)
	defer stop()
	defer cl.mux.close()
	if !cl.config.DisableTrackers {
		cl.announcer = newTrackerAnnouncer(t.mi.Trackers(), cl.config.AnnounceTimeout, cl.mux.wake, cl.config.Logger.WithNames("announcer"))
		go cl.announcer.run()
		defer cl.announcer.shutdown()
		cl.submitAnnounce(tracker.Started)
	}
	completed := t.Complete()
	//completed is only announced for downloads that finish in this run
	finalEvent := tracker.Completed
	if completed {
		t.logger.Levelf(log.Info, "all pieces present")
		finalEvent = tracker.Stopped
	}
	for {
		if ctx.Err() != nil {
			cl.finalAnnounce(tracker.Stopped)
			if t.Complete() {
				return nil
			}
			return ctx.Err()
		}
		if completed && !cl.config.Seed {
			cl.finalAnnounce(finalEvent)
			return nil
		}
		idle, err := cl.mux.runOnce(cl.config.PollTimeout)
		if err != nil {
			return err
		}
		if err = cl.handleAnnounce(); err != nil {
			return err
		}
		now := t.now()
		t.tick(now)
		if !completed && t.Complete() {
			completed = true
			t.logger.Levelf(log.Info, "download complete")
			if cl.config.Seed {
				cl.submitAnnounce(tracker.Completed)
			}
		}
		if cl.announcer != nil && (now.After(cl.nextAnnounce) || idle && cl.wantMorePeers(now)) {
			cl.submitAnnounce(tracker.None)
		}
	}
}

//wantMorePeers reports if we should ask the tracker early because we have no
//one to talk to.
func (cl *Client) wantMorePeers(now time.Time) bool {
	return len(cl.t.conns) == 0 && !cl.t.Complete() && now.Sub(cl.lastAnnounce) >= announceRetry
}

func (cl *Client) announceReq(event tracker.Event) tracker.AnnounceReq {
	st := cl.t.Stats()
	return tracker.AnnounceReq{
		InfoHash:   cl.t.infoHash,
		PeerID:     cl.peerID,
		Downloaded: st.Downloaded,
		Left:       st.Left,
		Uploaded:   st.Uploaded,
		Event:      event,
		Key:        int32(binary.BigEndian.Uint32(cl.peerID[16:])),
		Numwant:    int32(cl.config.NumWant),
		Port:       uint16(cl.port),
	}
}

func (cl *Client) submitAnnounce(event tracker.Event) {
	if cl.announcer.submit(cl.announceReq(event)) {
		now := cl.t.now()
		cl.lastAnnounce = now
		//don't resubmit while this one is in progress
		cl.nextAnnounce = now.Add(announceRetry)
	}
}

func (cl *Client) handleAnnounce() error {
	if cl.announcer == nil {
		return nil
	}
	res, ok := cl.announcer.result()
	if !ok {
		return nil
	}
	t := cl.t
	t.numAnnounces++
	now := t.now()
	if res.err != nil {
		t.logger.Levelf(log.Warning, "announce: %v", res.err)
		if res.event == tracker.Started && !cl.sentStarted && len(t.conns) == 0 {
			return fmt.Errorf("%w: %w", ErrAnnounceFailed, res.err)
		}
		cl.nextAnnounce = now.Add(announceRetry)
		return nil
	}
	if res.event == tracker.Started {
		cl.sentStarted = true
	}
	t.lastAnnounceResp = res.resp
	interval := time.Duration(res.resp.Interval) * time.Second
	if interval <= 0 {
		interval = announceRetry
	}
	cl.nextAnnounce = now.Add(interval)
	addrs := make([]string, 0, len(res.resp.Peers))
	for _, p := range res.resp.Peers {
		addrs = append(addrs, p.Addr())
	}
	return cl.AddPeers(addrs...)
}

//finalAnnounce closes every session and tells the trackers we are done.
func (cl *Client) finalAnnounce(event tracker.Event) {
	cl.t.closeSessions()
	if cl.announcer == nil {
		return
	}
	if err := cl.announcer.announceNow(cl.announceReq(event)); err != nil {
		cl.logger.Levelf(log.Warning, "announcing %v: %v", event, err)
	}
}

//Close releases the sockets and the storage of the client. It must not be
//called concurrently with Run.
func (cl *Client) Close() error {
	if cl.closed {
		return nil
	}
	cl.closed = true
	var errs []error
	errs = append(errs, cl.mux.close())
	if cl.t != nil {
		cl.t.closeSessions()
		errs = append(errs, cl.t.store.Flush(), cl.t.storage.Close())
	}
	return errors.Join(errs...)
}
