package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/log"
	"github.com/gosuri/uilive"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lkslts64/pollbt/metainfo"
	"github.com/lkslts64/pollbt/torrent"
)

var logger = log.Default.WithNames("main")

type DownloadCmd struct {
	Torrent     string        `arg:"--torrent,required" help:"read the contents of the torrent file"`
	Dir         string        `help:"directory to store the data (default: working directory)"`
	Port        int           `help:"port to listen for peers, 0 picks one"`
	PeerIDSeed  string        `arg:"--peer-id-seed" default:"CH0001" help:"6 bytes embedded in our peer id"`
	Window      int           `default:"5" help:"max outstanding requests per peer"`
	PollTimeout time.Duration `arg:"--poll-timeout" default:"10s"`
	Storage     string        `default:"file" help:"file or mmap"`
	Seed        bool          `help:"keep seeding after the download completes"`
	Peer        []string      `help:"peer addresses to connect to"`
	NoTracker   bool          `arg:"--no-tracker" help:"don't announce to trackers"`
	MetricsAddr string        `arg:"--metrics-addr" help:"serve prometheus metrics on this address"`
	Quiet       bool          `help:"don't print the status table"`
}

type CreateCmd struct {
	File        string `arg:"--file,required" help:"file to create a torrent for"`
	Announce    string `arg:"--announce,required" help:"tracker announce url"`
	PieceLength int64  `arg:"--piece-length" default:"262144"`
	Out         string `arg:"--out,required" help:"where to write the torrent file"`
}

func main() {
	if err := mainErr(); err != nil {
		logger.Levelf(log.Error, "error in main: %v", err)
		os.Exit(1)
	}
}

func mainErr() error {
	var args struct {
		Download *DownloadCmd `arg:"subcommand:download"`
		Create   *CreateCmd   `arg:"subcommand:create"`
		Debug    bool         `help:"enable debug logging"`
	}
	p := arg.MustParse(&args)
	switch {
	case args.Download != nil:
		return download(args.Download, args.Debug)
	case args.Create != nil:
		return create(args.Create)
	default:
		p.Fail("expected subcommand")
		panic("unreachable")
	}
}

func create(cmd *CreateCmd) error {
	f, err := os.Open(cmd.File)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	mi, err := metainfo.Build(fi.Name(), f, cmd.PieceLength, cmd.Announce)
	if err != nil {
		return fmt.Errorf("building metainfo: %w", err)
	}
	return mi.WriteFile(cmd.Out)
}

func download(cmd *DownloadCmd, debug bool) error {
	cfg, err := torrent.DefaultConfig()
	if err != nil {
		return err
	}
	if cmd.Dir != "" {
		cfg.DataDir = cmd.Dir
	}
	cfg.ListenPort = cmd.Port
	cfg.PeerIDSeed = cmd.PeerIDSeed
	cfg.RequestWindow = cmd.Window
	cfg.PollTimeout = cmd.PollTimeout
	cfg.Storage = cmd.Storage
	cfg.Seed = cmd.Seed
	cfg.DisableTrackers = cmd.NoTracker
	cfg.Logger = log.Default
	if !debug {
		cfg.Logger = cfg.Logger.FilterLevel(log.Info)
	}
	cl, err := torrent.NewClient(cfg)
	if err != nil {
		return err
	}
	defer cl.Close()
	t, err := cl.AddFromFile(cmd.Torrent)
	if err != nil {
		return err
	}
	if err = cl.AddPeers(cmd.Peer...); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	done := make(chan struct{})
	eg.Go(func() error {
		defer close(done)
		return cl.Run(runCtx)
	})
	if cmd.MetricsAddr != "" {
		srv := &http.Server{Addr: cmd.MetricsAddr, Handler: promhttp.Handler()}
		eg.Go(func() error {
			<-done
			return srv.Close()
		})
		eg.Go(func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("serving metrics: %w", err)
		})
	}
	if !cmd.Quiet {
		eg.Go(func() error {
			printStatus(t, done)
			return nil
		})
	}
	if err = eg.Wait(); err != nil {
		return err
	}
	fmt.Printf("downloaded %s\n", t.Name())
	return nil
}

func printStatus(t *torrent.Torrent, done <-chan struct{}) {
	w := uilive.New()
	w.Start()
	defer w.Stop()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.WriteStatus(w)
		case <-done:
			t.WriteStatus(w)
			return
		}
	}
}
