package torrent

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

type connStats struct {
	uploadUsefulBytes   int64
	downloadUsefulBytes int64
	blocksDownloaded    int
	blocksUploaded      int
	//blocks received that weren't requested from this peer
	unexpectedBlocks int
}

func (cs *connStats) onBlockDownload(len int) {
	cs.downloadUsefulBytes += int64(len)
	cs.blocksDownloaded++
}

func (cs *connStats) onBlockUpload(len int) {
	cs.blocksUploaded++
	cs.uploadUsefulBytes += int64(len)
}

func (cs *connStats) String() string {
	return fmt.Sprintf("down %s (%d blocks), up %s (%d blocks)",
		humanize.Bytes(uint64(cs.downloadUsefulBytes)), cs.blocksDownloaded,
		humanize.Bytes(uint64(cs.uploadUsefulBytes)), cs.blocksUploaded)
}
