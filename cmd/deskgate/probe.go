package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deskgate/deskgate/internal/logging"
	"github.com/deskgate/deskgate/pkg/protocol"
	"github.com/deskgate/deskgate/pkg/session"
)

type probeOptions struct {
	tls      bool
	insecure bool
	timeout  time.Duration
	watch    time.Duration
	username string
	quality  string
	verbose  bool
}

func probeCmd() *cobra.Command {
	var opts probeOptions

	cmd := &cobra.Command{
		Use:   "probe HOST:PORT",
		Short: "Open one session to a host and report on it",
		Long: `Connect to a remote desktop host the way the gateway would, wait for
the host to confirm, optionally watch the video stream, then disconnect.

Examples:
  deskgate probe 10.0.0.5:3389
  deskgate probe desk.internal:3389 --tls --watch 5s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.tls, "tls", false, "Use TLS to the host")
	cmd.Flags().BoolVar(&opts.insecure, "insecure", false, "Skip host certificate verification")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Connect timeout")
	cmd.Flags().DurationVar(&opts.watch, "watch", 0, "How long to count video frames after connecting")
	cmd.Flags().StringVarP(&opts.username, "user", "u", "", "Username sent in the connection request")
	cmd.Flags().StringVarP(&opts.quality, "quality", "q", "medium", "Requested quality: low, medium, high, ultra")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log protocol activity")

	return cmd
}

func runProbe(ctx context.Context, addr string, opts probeOptions) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q", portStr)
	}
	quality, err := protocol.ParseQuality(opts.quality)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if opts.verbose {
		if logger, err = logging.New("debug", "console"); err != nil {
			return err
		}
		defer logger.Sync()
	}

	mcfg := session.DefaultManagerConfig()
	mcfg.ConnectTimeout = opts.timeout
	mcfg.AllowInsecureTLS = opts.insecure
	m := session.NewManager(mcfg, session.WithLogger(logger))
	defer m.Shutdown(context.Background())

	var frames, bytes atomic.Int64
	m.Subscribe(func(ev session.Event) {
		if f, ok := ev.Payload.(*protocol.VideoFrame); ok {
			frames.Add(1)
			bytes.Add(int64(len(f.Data)))
		}
	}, session.EventFrameReady)

	start := time.Now()
	s, err := m.CreateSession(ctx, "probe", session.Config{
		Host:               host,
		Port:               port,
		Username:           opts.username,
		Quality:            quality,
		EnableTLS:          opts.tls,
		InsecureSkipVerify: opts.insecure,
	})
	if err != nil {
		return err
	}
	success("Connected to %s in %s", addr, time.Since(start).Round(time.Millisecond))

	if opts.watch > 0 {
		select {
		case <-time.After(opts.watch):
		case <-ctx.Done():
		}
		info("%d video frames, %d bytes in %s", frames.Load(), bytes.Load(), opts.watch)
	}

	snap := s.Snapshot()
	if err := s.Disconnect(); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
