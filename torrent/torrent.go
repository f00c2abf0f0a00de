package torrent

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"go.uber.org/atomic"

	"github.com/lkslts64/pollbt/metainfo"
	"github.com/lkslts64/pollbt/peer_wire"
	"github.com/lkslts64/pollbt/torrent/storage"
	"github.com/lkslts64/pollbt/tracker"
)

//how often the status table is rendered
const statusRefresh = time.Second

//Torrent is the download of a single torrent. Everything but the exported
//read-only methods belongs to the goroutine running Client.Run.
type Torrent struct {
	logger   log.Logger
	mi       *metainfo.MetaInfo
	info     *metainfo.InfoDict
	infoHash [20]byte
	peerID   [20]byte
	storage  storage.Storage
	store    *PieceStore
	sched    *scheduler
	conns    map[*session]struct{}
	maxConns int
	now      func() time.Time

	stats          stats
	completeC      chan struct{}
	closedComplete bool

	lastAnnounceResp *tracker.AnnounceResp
	numAnnounces     int
	lastStatus       time.Time
	//rendered by the event loop, read by WriteStatus
	status atomic.String
}

func newTorrent(mi *metainfo.MetaInfo, info *metainfo.InfoDict, peerID [20]byte, s storage.Storage, window int, logger log.Logger) (*Torrent, error) {
	store, err := NewPieceStore(int(info.PieceLen), info.Pieces, info.TotalLength(), s, logger.WithNames("store"))
	if err != nil {
		return nil, err
	}
	t := &Torrent{
		logger:    logger,
		mi:        mi,
		info:      info,
		infoHash:  info.Hash,
		peerID:    peerID,
		storage:   s,
		store:     store,
		sched:     newScheduler(store, window),
		conns:     make(map[*session]struct{}),
		maxConns:  55,
		now:       time.Now,
		completeC: make(chan struct{}),
	}
	t.stats.left.Store(store.BytesLeft())
	return t, nil
}

//Name returns the name of the file being downloaded.
func (t *Torrent) Name() string {
	return t.info.Name
}

func (t *Torrent) InfoHash() [20]byte {
	return t.infoHash
}

func (t *Torrent) Metainfo() *metainfo.MetaInfo {
	return t.mi
}

//Done returns a channel that is closed once every piece is verified.
func (t *Torrent) Done() <-chan struct{} {
	return t.completeC
}

//Complete reports if every piece is verified. It is safe for concurrent use.
func (t *Torrent) Complete() bool {
	select {
	case <-t.completeC:
		return true
	default:
		return false
	}
}

//Stats returns a snapshot of the torrent's counters.
func (t *Torrent) Stats() TorrentStats {
	return t.stats.snapshot()
}

//verifyExisting marks the pieces storage already holds as complete.
func (t *Torrent) verifyExisting() error {
	n, err := t.store.VerifyExisting()
	if err != nil {
		return err
	}
	if n > 0 {
		t.logger.Levelf(log.Info, "found %d/%d pieces in storage", n, t.store.NumPieces())
	}
	t.stats.left.Store(t.store.BytesLeft())
	t.checkComplete()
	return nil
}

func (t *Torrent) checkComplete() {
	if t.closedComplete || !t.store.Complete() {
		return
	}
	if err := t.store.Flush(); err != nil {
		t.logger.Levelf(log.Error, "flushing storage: %v", err)
	}
	t.closedComplete = true
	close(t.completeC)
}

func (t *Torrent) addSession(s *session) {
	t.conns[s] = struct{}{}
	t.stats.sessions.Inc()
	liveSessionsMetric.Inc()
}

func (t *Torrent) sessionClosed(s *session) {
	if _, ok := t.conns[s]; !ok {
		return
	}
	t.sched.release(s)
	delete(t.conns, s)
	t.stats.sessions.Dec()
	liveSessionsMetric.Dec()
	sessionsClosedMetric.Inc()
}

func (t *Torrent) connectedTo(addr string) bool {
	for s := range t.conns {
		if s.addr == addr {
			return true
		}
	}
	return false
}

func (t *Torrent) wantPeers() bool {
	return len(t.conns) < t.maxConns && !t.Complete()
}

func (t *Torrent) blockDownloaded(n int) {
	t.stats.blockDownloaded(n)
	bytesDownloadedMetric.Add(float64(n))
}

func (t *Torrent) blockUploaded(n int) {
	t.stats.blockUploaded(n)
	bytesUploadedMetric.Add(float64(n))
}

//pieceCompleted tells every peer about piece i and drops interest in the
//ones that have nothing more to give.
func (t *Torrent) pieceCompleted(i int) {
	t.stats.verified.Inc()
	t.stats.left.Store(t.store.BytesLeft())
	piecesVerifiedMetric.Inc()
	t.logger.Levelf(log.Debug, "piece %d verified (%d bytes left)", i, t.store.BytesLeft())
	for s := range t.conns {
		if s.state != sessionActive {
			continue
		}
		s.post(&peer_wire.Msg{
			Kind:  peer_wire.Have,
			Index: uint32(i),
		})
		s.reviewInterest()
	}
	t.checkComplete()
}

func (t *Torrent) pieceFailed(i int) {
	t.stats.failed.Inc()
	hashFailuresMetric.Inc()
	t.logger.Levelf(log.Warning, "piece %d failed its hash check", i)
}

//tick runs the timers of every session, tops up their request windows and
//refreshes the status.
func (t *Torrent) tick(now time.Time) {
	for s := range t.conns {
		if err := s.tick(now); err != nil {
			s.close(err)
			continue
		}
		s.fillRequests()
	}
	if now.Sub(t.lastStatus) >= statusRefresh {
		t.lastStatus = now
		t.publishStatus()
	}
}

func (t *Torrent) closeSessions() {
	for s := range t.conns {
		s.close(nil)
	}
}

func (t *Torrent) publishStatus() {
	var b strings.Builder
	t.writeStatus(&b)
	t.status.Store(b.String())
}

func (t *Torrent) writeStatus(b *strings.Builder) {
	fmt.Fprintf(b, "Name: %s\n", t.info.Name)
	b.WriteString("Tracker: " + t.mi.Announce + "\tAnnounce: " + func() string {
		if t.lastAnnounceResp != nil {
			return "OK"
		}
		return "Not Available"
	}() + "\t#Announces: " + strconv.Itoa(t.numAnnounces) + "\n")
	if t.lastAnnounceResp != nil {
		fmt.Fprintf(b, "Seeders: %d\tLeechers: %d\tInterval: %d(secs)\n", t.lastAnnounceResp.Seeders,
			t.lastAnnounceResp.Leechers, t.lastAnnounceResp.Interval)
	}
	fmt.Fprintf(b, "Mode: %s\n", func() string {
		if t.store.Complete() {
			return "seeding"
		}
		return "downloading"
	}())
	fmt.Fprintf(b, "Pieces: %d/%d\tIn flight: %d blocks\n", t.store.Bitfield().BitsSet(), t.store.NumPieces(), t.sched.numInFlight())
	fmt.Fprintf(b, "Connected to %d peers\n", len(t.conns))
	tabWriter := tabwriter.NewWriter(b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tabWriter, "Address\tDir\tState\t%\tUp\tDown\tReqs\t")
	for s := range t.conns {
		have := 0
		if s.peerBf != nil {
			have = s.peerBf.BitsSet()
		}
		fmt.Fprintf(tabWriter, "%s\t%s\t%v\t%s\t%s\t%s\t%d\t\n", s.addr, s.direction(), s.state,
			strconv.Itoa(int(float64(have)/float64(t.store.NumPieces())*100))+"%",
			humanize.Bytes(uint64(s.stats.uploadUsefulBytes)),
			humanize.Bytes(uint64(s.stats.downloadUsefulBytes)),
			s.outstanding)
	}
	tabWriter.Flush()
}

//WriteStatus writes a human readable summary of the torrent and its peers.
//It is safe for concurrent use.
func (t *Torrent) WriteStatus(w io.Writer) {
	st := t.Stats()
	fmt.Fprintf(w, "Downloaded: %s\tUploaded: %s\tRemaining: %s\n",
		humanize.Bytes(uint64(st.Downloaded)),
		humanize.Bytes(uint64(st.Uploaded)),
		humanize.Bytes(uint64(st.Left)))
	io.WriteString(w, t.status.Load())
}
