package torrent

import "go.uber.org/atomic"

//stats are mutated by the event loop and may be read from any goroutine.
type stats struct {
	downloaded atomic.Int64
	uploaded   atomic.Int64
	left       atomic.Int64
	verified   atomic.Int32
	failed     atomic.Int32
	sessions   atomic.Int32
	//these are cancels that peers send to us but it was too late because
	//we had already written the block
	latecomerCancels atomic.Uint32
}

//TorrentStats contains statistics about a Torrent
type TorrentStats struct {
	//Remainings bytes to download
	Left int64
	//Bytes we have downloaded, verified or not
	Downloaded int64
	//Bytes we have uploaded
	Uploaded int64
	//Pieces verified since the torrent was added
	PiecesVerified int
	//Pieces that failed their hash check
	HashFailures int
	//Live peer sessions
	Sessions int
	LatecomerCancels int
}

func (s *stats) blockDownloaded(bytes int) {
	s.downloaded.Add(int64(bytes))
}

func (s *stats) blockUploaded(bytes int) {
	s.uploaded.Add(int64(bytes))
}

func (s *stats) snapshot() TorrentStats {
	return TorrentStats{
		Left:             s.left.Load(),
		Downloaded:       s.downloaded.Load(),
		Uploaded:         s.uploaded.Load(),
		PiecesVerified:   int(s.verified.Load()),
		HashFailures:     int(s.failed.Load()),
		Sessions:         int(s.sessions.Load()),
		LatecomerCancels: int(s.latecomerCancels.Load()),
	}
}
