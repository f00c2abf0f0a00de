package torrent

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

//DefaultPeerIDSeed identifies this client in the peer ids it generates.
const DefaultPeerIDSeed = "CH0001"

//newPeerID builds an Azureus style peer id: "-" + 6 byte seed + "-" followed
//by 12 hex chars derived from the process id and the current time.
func newPeerID(seed string, now time.Time) (id [20]byte, err error) {
	if len(seed) != 6 {
		return id, fmt.Errorf("peer id seed %q must be 6 bytes", seed)
	}
	h := sha1.Sum([]byte(strconv.Itoa(os.Getpid()) + now.String()))
	copy(id[:], "-"+seed+"-"+hex.EncodeToString(h[:])[:12])
	return id, nil
}
