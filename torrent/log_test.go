package torrent

import "github.com/anacrolix/log"

// discardLogger drops all log output in tests.
var discardLogger = log.Default.WithFilterLevel(log.Disabled)
