package torrent

//connState holds the choke/interest flags of both ends of a session.
type connState struct {
	amInterested   bool
	amChoking      bool
	peerInterested bool
	peerChoking    bool
}

func newConnState() connState {
	return connState{
		amChoking:   true,
		peerChoking: true,
	}
}

func (cs *connState) canUpload() bool {
	return !cs.amChoking && cs.peerInterested
}

func (cs *connState) canDownload() bool {
	return !cs.peerChoking && cs.amInterested
}
