package torrent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anacrolix/log"
	"github.com/lkslts64/pollbt/tracker"
)

//announce again after this if every tracker failed
const announceRetry = time.Minute

type announceResult struct {
	event tracker.Event
	resp  *tracker.AnnounceResp
	err   error
}

//trackerAnnouncer talks to the trackers on its own goroutine so the event
//loop never blocks on HTTP. It handles one announce at a time and wakes the
//loop when a result is ready.
type trackerAnnouncer struct {
	logger   log.Logger
	trackers []tracker.Tracker
	timeout  time.Duration
	wake     func()
	reqs     chan tracker.AnnounceReq
	resps    chan announceResult
	close    chan struct{}
	done     chan struct{}
	//only accessed by the event loop
	inFlight bool
}

func newTrackerAnnouncer(urls []string, timeout time.Duration, wake func(), logger log.Logger) *trackerAnnouncer {
	ta := &trackerAnnouncer{
		logger:  logger,
		timeout: timeout,
		wake:    wake,
		//unbuffered so a submitted request is never lost to shutdown
		reqs:    make(chan tracker.AnnounceReq),
		resps:   make(chan announceResult, 1),
		close:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, u := range urls {
		tr, err := tracker.New(u)
		if err != nil {
			logger.Levelf(log.Warning, "skipping tracker: %v", err)
			continue
		}
		ta.trackers = append(ta.trackers, tr)
	}
	return ta
}

func (ta *trackerAnnouncer) run() {
	defer close(ta.done)
	for {
		select {
		case req := <-ta.reqs:
			ctx, cancel := context.WithTimeout(context.Background(), ta.timeout)
			resp, err := ta.announce(ctx, req)
			cancel()
			ta.resps <- announceResult{event: req.Event, resp: resp, err: err}
			ta.wake()
		case <-ta.close:
			return
		}
	}
}

//submit hands req to the announcer goroutine. It returns false if an
//announce is still in progress.
func (ta *trackerAnnouncer) submit(req tracker.AnnounceReq) bool {
	if ta.inFlight {
		return false
	}
	ta.inFlight = true
	ta.reqs <- req
	return true
}

//result returns the result of the submitted announce, if it finished.
func (ta *trackerAnnouncer) result() (announceResult, bool) {
	select {
	case res := <-ta.resps:
		ta.inFlight = false
		return res, true
	default:
		return announceResult{}, false
	}
}

//announce tries the trackers in order until one answers.
func (ta *trackerAnnouncer) announce(ctx context.Context, req tracker.AnnounceReq) (*tracker.AnnounceResp, error) {
	if len(ta.trackers) == 0 {
		return nil, errors.New("no usable trackers")
	}
	var errs []error
	for _, tr := range ta.trackers {
		resp, err := tr.Announce(ctx, req)
		if err == nil {
			ta.logger.Levelf(log.Debug, "announced %v to %s: %d peers", req.Event, tr.URL(), len(resp.Peers))
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", tr.URL(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

//announceNow announces req synchronously on the caller's goroutine. It's
//used for the final announces after the loop stopped.
func (ta *trackerAnnouncer) announceNow(req tracker.AnnounceReq) error {
	ta.shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), ta.timeout)
	defer cancel()
	_, err := ta.announce(ctx, req)
	return err
}

//shutdown stops the announcer goroutine, waiting for an announce in
//progress.
func (ta *trackerAnnouncer) shutdown() {
	select {
	case <-ta.close:
	default:
		close(ta.close)
	}
	<-ta.done
}
