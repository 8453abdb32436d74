package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/visionward/gvrx/control"
	"github.com/visionward/gvrx/frame"
	"github.com/visionward/gvrx/reassembly"
	"github.com/visionward/gvrx/session"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := session.Config{
		BindAddr:      envOr("GVRX_BIND", ":50010"),
		Multicast:     os.Getenv("GVRX_MULTICAST"),
		Interface:     os.Getenv("GVRX_IFACE"),
		PacketSize:    envInt("GVRX_PACKET_SIZE", 1500),
		MaxFrameBytes: envInt("GVRX_MAX_FRAME_BYTES", 4<<20),
		PoolCapacity:  envInt("GVRX_POOL", 8),
		TickFrequency: uint64(envInt("GVRX_TICK_FREQUENCY", 0)),
	}

	device := os.Getenv("GVRX_DEVICE")
	outDir := os.Getenv("GVRX_OUT")
	compress := os.Getenv("GVRX_GZIP") != ""

	var sender reassembly.ResendSender
	if device != "" {
		rs, err := control.NewResendSender(device, 0, nil)
		if err != nil {
			slog.Error("failed to create resend sender", "error", err)
			os.Exit(1)
		}
		defer rs.Close()
		sender = rs
	} else {
		slog.Warn("GVRX_DEVICE not set, resend requests disabled")
	}

	sess, err := session.New(cfg, sender, nil)
	if err != nil {
		slog.Error("invalid session config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("gvrx starting",
		"version", version,
		"bind", cfg.BindAddr,
		"multicast", cfg.Multicast,
		"device", device,
		"out", outDir,
	)

	if err := sess.Start(ctx); err != nil {
		slog.Error("failed to start session", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return consumeFrames(gctx, sess, outDir, compress)
	})

	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				snap := sess.Stats()
				slog.Info("stream stats",
					"packets", snap.Packets,
					"mbit/s", fmt.Sprintf("%.1f", snap.MbitPerSecond),
					"completed", snap.Completed,
					"abandoned", snap.Abandoned,
					"resends", snap.Resends,
					"duplicates", snap.Duplicates,
					"backpressureDrops", snap.BackpressureDrops,
				)
			}
		}
	})

	err = g.Wait()
	if stopErr := sess.Stop(); stopErr != nil {
		slog.Error("session error", "error", stopErr)
		os.Exit(1)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("receiver error", "error", err)
		os.Exit(1)
	}
}

// consumeFrames drains the session, logging each frame and optionally
// dumping its raw bytes to outDir.
func consumeFrames(ctx context.Context, sess *session.Session, outDir string, compress bool) error {
	n := 0
	for {
		f, err := sess.NextFrame(ctx)
		if err != nil {
			if errors.Is(err, session.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		slog.Debug("frame",
			"block", f.BlockID,
			"size", fmt.Sprintf("%dx%d", f.Width, f.Height),
			"bytes", len(f.Bytes),
			"chunks", len(f.Chunks),
			"resends", f.Resends,
			"timestamp", f.HostTimestamp.Format(time.RFC3339Nano),
		)

		if outDir != "" {
			if err := writeFrame(outDir, n, f, compress); err != nil {
				slog.Warn("failed to write frame", "block", f.BlockID, "error", err)
			}
		}
		f.Release()
		n++
	}
}

// writeFrame dumps one frame's raw payload, gzip-compressed when asked.
func writeFrame(dir string, seq int, f *frame.Frame, compress bool) error {
	name := fmt.Sprintf("frame-%06d-%dx%d.raw", seq, f.Width, f.Height)
	if compress {
		name += ".gz"
	}
	path := filepath.Join(dir, name)

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	if !compress {
		_, err = out.Write(f.Bytes)
		return err
	}

	zw := gzip.NewWriter(out)
	if _, err := zw.Write(f.Bytes); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer", "key", key, "value", v)
		return fallback
	}
	return n
}
