//go:build linux

package torrent

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lkslts64/pollbt/metainfo"
	"github.com/lkslts64/pollbt/torrent/storage"
)

func testingConfig(t *testing.T) *Config {
	cfg, err := DefaultConfig()
	require.NoError(t, err)
	cfg.DataDir = t.TempDir()
	cfg.DisableTrackers = true
	cfg.PollTimeout = 50 * time.Millisecond
	cfg.Logger = discardLogger
	return cfg
}

func newTestClient(t *testing.T, cfg *Config) *Client {
	cl, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

func testDataTransfer(t *testing.T, storageKind string, window int) {
	data := testData(5*testPieceLen + 1234)
	mi, _ := testMetaInfo(t, data, testPieceLen)

	seederCfg := testingConfig(t)
	seederCfg.Seed = true
	seederCfg.Storage = storageKind
	require.NoError(t, os.WriteFile(filepath.Join(seederCfg.DataDir, "data"), data, 0o644))
	seeder := newTestClient(t, seederCfg)
	seederTr, err := seeder.AddMetaInfo(mi)
	require.NoError(t, err)
	require.True(t, seederTr.Complete())

	leecherCfg := testingConfig(t)
	leecherCfg.DisableListen = true
	leecherCfg.RequestWindow = window
	leecherCfg.Storage = storageKind
	leecher := newTestClient(t, leecherCfg)
	leecherTr, err := leecher.AddMetaInfo(mi)
	require.NoError(t, err)
	require.False(t, leecherTr.Complete())
	require.NoError(t, leecher.AddPeers("127.0.0.1:"+strconv.Itoa(seeder.Port())))

	seederCtx, stopSeeder := context.WithCancel(context.Background())
	seederErr := make(chan error, 1)
	go func() {
		seederErr <- seeder.Run(seederCtx)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, leecher.Run(ctx))
	stopSeeder()
	//a complete seeder stops successfully
	assert.NoError(t, <-seederErr)

	assert.True(t, leecherTr.Complete())
	st := leecherTr.Stats()
	assert.EqualValues(t, 0, st.Left)
	assert.EqualValues(t, len(data), st.Downloaded)
	assert.Equal(t, 6, st.PiecesVerified)
	assert.Zero(t, st.HashFailures)
	assert.EqualValues(t, len(data), seederTr.Stats().Uploaded)
	require.NoError(t, leecher.Close())
	got, err := os.ReadFile(filepath.Join(leecherCfg.DataDir, "data"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestSingleFileTorrentTransfer(t *testing.T) {
	testDataTransfer(t, storage.KindFile, 5)
}

func TestTransferWindowOfOne(t *testing.T) {
	testDataTransfer(t, storage.KindFile, 1)
}

func TestMMapTorrentTransfer(t *testing.T) {
	testDataTransfer(t, storage.KindMMap, 8)
}

func TestClientListenPort(t *testing.T) {
	cl := newTestClient(t, testingConfig(t))
	assert.NotZero(t, cl.Port())
	cfg := testingConfig(t)
	cfg.DisableListen = true
	cl = newTestClient(t, cfg)
	assert.Zero(t, cl.Port())
}

func TestClientAddTorrentErrors(t *testing.T) {
	cfg := testingConfig(t)
	cfg.DisableListen = true
	cl := newTestClient(t, cfg)
	assert.ErrorIs(t, cl.Run(context.Background()), ErrNoTorrent)
	assert.ErrorIs(t, cl.AddPeers("127.0.0.1:1"), ErrNoTorrent)

	infoBytes, err := bencode.Marshal(metainfo.InfoDict{
		Name:     "dir",
		PieceLen: testPieceLen,
		Pieces:   make([]byte, 20),
		Files: []metainfo.File{
			{Length: 10, Path: []string{"a"}},
			{Length: 20, Path: []string{"b", "c"}},
		},
	})
	require.NoError(t, err)
	_, err = cl.AddMetaInfo(&metainfo.MetaInfo{InfoBytes: infoBytes})
	assert.ErrorIs(t, err, ErrMultiFile)

	mi, _ := testMetaInfo(t, testData(100), testPieceLen)
	_, err = cl.AddMetaInfo(mi)
	require.NoError(t, err)
	_, err = cl.AddMetaInfo(mi)
	assert.ErrorIs(t, err, ErrTorrentExists)
}

func TestClientRunCanceled(t *testing.T) {
	cfg := testingConfig(t)
	cfg.DisableListen = true
	cl := newTestClient(t, cfg)
	mi, _ := testMetaInfo(t, testData(testDataLen), testPieceLen)
	_, err := cl.AddMetaInfo(mi)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	assert.ErrorIs(t, cl.Run(ctx), context.Canceled)
}

func TestClientRunCompleteReturns(t *testing.T) {
	data := testData(testDataLen)
	cfg := testingConfig(t)
	cfg.DisableListen = true
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, "data"), data, 0o644))
	cl := newTestClient(t, cfg)
	mi, _ := testMetaInfo(t, data, testPieceLen)
	tr, err := cl.AddMetaInfo(mi)
	require.NoError(t, err)
	require.True(t, tr.Complete())
	assert.NoError(t, cl.Run(context.Background()))
}

func TestClientUnreachablePeer(t *testing.T) {
	cfg := testingConfig(t)
	cfg.DisableListen = true
	cl := newTestClient(t, cfg)
	mi, _ := testMetaInfo(t, testData(testDataLen), testPieceLen)
	tr, err := cl.AddMetaInfo(mi)
	require.NoError(t, err)
	//nothing listens on port 1
	require.NoError(t, cl.AddPeers("127.0.0.1:1", "not an address"))
	assert.LessOrEqual(t, len(tr.conns), 1)
	deadline := time.Now().Add(5 * time.Second)
	for len(tr.conns) > 0 && time.Now().Before(deadline) {
		_, err = cl.mux.runOnce(50 * time.Millisecond)
		require.NoError(t, err)
	}
	assert.Empty(t, tr.conns)
}

func TestClientAnnouncesAndConnects(t *testing.T) {
	data := testData(3*testPieceLen + 77)
	mi, _ := testMetaInfo(t, data, testPieceLen)

	seederCfg := testingConfig(t)
	seederCfg.Seed = true
	require.NoError(t, os.WriteFile(filepath.Join(seederCfg.DataDir, "data"), data, 0o644))
	seeder := newTestClient(t, seederCfg)
	_, err := seeder.AddMetaInfo(mi)
	require.NoError(t, err)

	dt, url := newDummyTracker(t, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: seeder.Port()})
	mi.Announce = url
	leecherCfg := testingConfig(t)
	leecherCfg.DisableListen = true
	leecherCfg.DisableTrackers = false
	leecher := newTestClient(t, leecherCfg)
	leecherTr, err := leecher.AddMetaInfo(mi)
	require.NoError(t, err)

	seederCtx, stopSeeder := context.WithCancel(context.Background())
	seederErr := make(chan error, 1)
	go func() {
		seederErr <- seeder.Run(seederCtx)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = leecher.Run(ctx)
	stopSeeder()
	require.NoError(t, <-seederErr)
	require.NoError(t, err)
	assert.True(t, leecherTr.Complete())
	assert.Equal(t, []string{"started", "completed"}, dt.seenEvents())
}

func TestClientCompleteOnStartAnnouncesStopped(t *testing.T) {
	data := testData(testDataLen)
	mi, _ := testMetaInfo(t, data, testPieceLen)
	dt, url := newDummyTracker(t, nil)
	mi.Announce = url
	cfg := testingConfig(t)
	cfg.DisableListen = true
	cfg.DisableTrackers = false
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, "data"), data, 0o644))
	cl := newTestClient(t, cfg)
	tr, err := cl.AddMetaInfo(mi)
	require.NoError(t, err)
	require.True(t, tr.Complete())
	require.NoError(t, cl.Run(context.Background()))
	//nothing was downloaded by this run
	assert.Equal(t, []string{"started", "stopped"}, dt.seenEvents())
}

func TestClientSeedingCanceledSucceeds(t *testing.T) {
	data := testData(testDataLen)
	cfg := testingConfig(t)
	cfg.DisableListen = true
	cfg.Seed = true
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, "data"), data, 0o644))
	cl := newTestClient(t, cfg)
	mi, _ := testMetaInfo(t, data, testPieceLen)
	_, err := cl.AddMetaInfo(mi)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	assert.NoError(t, cl.Run(ctx))
}

func TestClientFirstAnnounceFails(t *testing.T) {
	mi, _ := testMetaInfo(t, testData(testDataLen), testPieceLen)
	mi.Announce = failingTracker(t)
	cfg := testingConfig(t)
	cfg.DisableListen = true
	cfg.DisableTrackers = false
	cl := newTestClient(t, cfg)
	_, err := cl.AddMetaInfo(mi)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.ErrorIs(t, cl.Run(ctx), ErrAnnounceFailed)
}
