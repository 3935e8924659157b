package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ascapdx/callcore/internal/call"
	"github.com/ascapdx/callcore/internal/config"
	"github.com/ascapdx/callcore/internal/handoff"
	"github.com/ascapdx/callcore/internal/history"
	"github.com/ascapdx/callcore/internal/media"
	"github.com/ascapdx/callcore/internal/metrics"
	"github.com/ascapdx/callcore/internal/signaling"
	"github.com/ascapdx/callcore/internal/webrtcpeer"
)

const unloadTimeout = 3 * time.Second

func runAgent(ctx context.Context, cfg config.Agent, logger *slog.Logger, in io.Reader, out io.Writer) error {
	logger = logger.With("user", cfg.User)

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	iceServers := cfg.ICEServers
	if len(iceServers) == 0 {
		fetched, err := fetchICEServers(ctx, cfg.SignalOrigin, cfg.AuthToken)
		if err != nil {
			logger.Warn("no ICE servers configured and relay fetch failed; gathering host candidates only", "err", err)
		} else {
			iceServers = fetched
		}
	}
	logger.Info("starting ascapdx-call",
		"signal_origin", cfg.SignalOrigin,
		"call_type", cfg.CallType,
		"quality_profile", cfg.QualityProfile,
		"ice_servers", len(iceServers),
	)

	signalURL, err := cfg.SignalURL()
	if err != nil {
		return err
	}
	client, err := signaling.NewClient(signaling.ClientConfig{
		URL:          signalURL,
		User:         cfg.User,
		Token:        cfg.AuthToken,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	api, err := webrtcpeer.NewAPI(webrtcpeer.APIConfig{Network: cfg.Network, Logger: logger})
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}
	mediaMgr := media.NewManager(&media.SyntheticDevice{}, logger)
	defaultKind, err := media.ParseKind(cfg.CallType)
	if err != nil {
		return err
	}

	w := &lineWriter{w: out}
	obs := newConsoleObserver(w, logger)
	tones := newBellTones(w, bellInterval)
	defer tones.Stop()
	machine, err := call.New(call.Config{
		Self:        cfg.User,
		RingTimeout: cfg.RingTimeout,
		Profile:     cfg.QualityProfile,
		ICEServers:  iceServers,
		Signaler:    client,
		Media:       mediaMgr,
		NewPeer: func(h webrtcpeer.Handlers) call.PeerConnector {
			return webrtcpeer.NewManager(api, h, logger)
		},
		Tones:    tones,
		Observer: obs,
		Handoff:  handoff.New(store),
		Metrics:  metrics.New(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	machine.Bind(client)

	// The machine and the signaling client outlive ctx so the offline hangup
	// can still be delivered during shutdown.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	clientCtx, stopClient := context.WithCancel(context.Background())
	defer stopClient()

	var resumeOnce sync.Once
	client.OnConnect(func() {
		resumeOnce.Do(func() {
			go func() {
				resumed, err := machine.ResumePending(loopCtx)
				if err != nil {
					logger.Warn("resume pending offer", "err", err)
					return
				}
				if resumed {
					logger.Info("resumed handed-off call offer")
				}
			}()
		})
	})

	con := &console{ctl: machine, out: w, defaultKind: defaultKind, duration: obs.Duration}
	if cfg.APIBaseURL != "" {
		backend, err := history.NewClient(history.ClientConfig{BaseURL: cfg.APIBaseURL, Token: cfg.AuthToken})
		if err != nil {
			return err
		}
		live := &liveHistory{
			ctx:  loopCtx,
			view: history.NewView(history.ViewConfig{User: cfg.User, Backend: backend, Store: store, Logger: logger}),
			out:  w,
			log:  logger,
		}
		obs.ended = live.refresh
		con.history = live.view
		go live.badge()
	}
	w.Printf("ascapdx-call ready as %s (type help)", cfg.User)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(machine.Run(loopCtx))
	})
	g.Go(func() error {
		return ignoreCanceled(client.Run(clientCtx))
	})
	g.Go(func() error {
		return con.run(gctx, in)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		uctx, cancel := context.WithTimeout(context.Background(), unloadTimeout)
		defer cancel()
		if err := machine.Unload(uctx); err != nil {
			logger.Warn("unload", "err", err)
		}
		if err := client.WaitSent(uctx); err != nil {
			logger.Warn("signaling queue not drained", "err", err)
		}
		mediaMgr.Release()
		stopClient()
		stopLoop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
