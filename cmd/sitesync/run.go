package main

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"sitesync/internal/channel"
	"sitesync/internal/config"
	"sitesync/internal/obs"
	"sitesync/internal/session"
	"sitesync/pkg/eventloop"
	"sitesync/pkg/exception"
	"sitesync/pkg/websocket"
)

const shutdownTimeout = 5 * time.Second

// RunOptions holds flags of the run command.
type RunOptions struct {
	*RootOptions
	Channel       string
	MetricsAddr   string
	PyroscopeAddr string
}

// NewRunCommand builds the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect every configured channel and send stdin lines as chat messages",
		Long: `Connect every configured channel and keep them in sync until interrupted.

Each line read from stdin is sent to the chat channel selected by --channel
(the first configured chat by default). Lines typed while offline are queued
and replayed once the channel reconnects.

Example:
  sitesync run --config sitesync.yaml
  sitesync run -c sitesync.yaml --channel 7 --metrics-addr :9100`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Channel, "channel", "", "chat channel that receives stdin lines")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, overrides metrics.addr")
	cmd.Flags().StringVar(&opts.PyroscopeAddr, "pyroscope-addr", "", "push profiles to this Pyroscope server")
	return cmd
}

func runSession(cmd *cobra.Command, opts *RunOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	if opts.MetricsAddr != "" {
		cfg.MetricsAddr = opts.MetricsAddr
	}
	chatID, err := pickChannel(cfg, opts.Channel)
	if err != nil {
		return err
	}

	if opts.PyroscopeAddr != "" {
		profiler, err := startProfiler(opts.PyroscopeAddr)
		if err != nil {
			return err
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	loop := eventloop.New()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = loop.Run(ctx)
	}()

	metrics := obs.NewMetrics()
	var server *http.Server
	if cfg.MetricsAddr != "" {
		server = serveMetrics(cfg.MetricsAddr, metrics)
	}

	sess, err := session.New(ctx, session.Options{
		Config:    cfg,
		Dialer:    websocket.NewDialer(websocket.DialerOption{HandshakeTimeout: cfg.HandshakeTimeout}),
		Scheduler: loop,
		Metrics:   metrics,
		Hooks:     logHooks(),
	})
	if err != nil {
		return err
	}
	if err := loop.Do(ctx, sess.Start); err != nil {
		return errors.Wrap(err, "start session")
	}
	logs.Infof("session started, channels: %d, pending: %d", sess.Registry().Len(), sess.Pending())

	shutdown := sys.Shutdown()
	lines := readLines(ctx, cmd.InOrStdin())
	for running := true; running; {
		select {
		case <-shutdown:
			running = false
		case <-ctx.Done():
			running = false
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			sendLine(loop, sess, chatID, line)
		}
	}

	logs.Infof("shutting down, pending: %d", sess.Pending())
	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer closeCancel()
	var closeErr error
	if err := loop.Do(closeCtx, func() { closeErr = sess.Close() }); err != nil {
		logs.Warnf("close session, err: %+v", err)
	}
	if server != nil {
		if err := server.Shutdown(closeCtx); err != nil {
			logs.Warnf("metrics server shutdown, err: %+v", err)
		}
	}
	loop.Close()
	cancel()
	<-loopDone
	return closeErr
}

func pickChannel(cfg config.Loaded, want string) (string, error) {
	if want == "" {
		if len(cfg.Chat) == 0 {
			return "", nil
		}
		return cfg.Chat[0], nil
	}
	for _, id := range cfg.Chat {
		if id == want {
			return id, nil
		}
	}
	return "", errors.Wrap(exception.ErrInvalidArgument, "chat channel "+want+" is not configured")
}

func sendLine(loop *eventloop.Loop, sess *session.Session, chatID, line string) {
	if line == "" {
		return
	}
	chat, ok := sess.Chat(chatID)
	if !ok {
		logs.Warnf("no chat channel configured, dropping input")
		return
	}
	loop.Post(func() {
		res := chat.SendChatMessage(line)
		switch {
		case res.Queued:
			logs.Infof("offline, queued %s, pending: %d", res.ID, sess.Pending())
		case res.Err != nil:
			logs.Errorf("send chat message, err: %+v", res.Err)
		}
	})
}

// readLines streams r line by line until r ends or ctx is done. The
// goroutine still waits on a blocked Read after ctx is done.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logs.Warnf("read stdin, err: %+v", err)
		}
	}()
	return out
}

func logHooks() session.Hooks {
	return session.Hooks{
		OnChat: func(channelID, frameType string) {
			logs.Infof("chat %s: %s", channelID, frameType)
		},
		OnToast: func(n channel.Notification) {
			logs.Infof("notification %s: %s", n.ID, n.Title)
		},
		OnTask: func(projectID string, u channel.TaskUpdate) {
			logs.Infof("project %s: %s %s", projectID, u.Type, u.TaskID)
		},
		OnStatus: func(s channel.UserStatus) {
			logs.Infof("user %s is %s", s.UserID, s.Status)
		},
	}
}

func serveMetrics(addr string, metrics *obs.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(obs.NewRegistry(metrics), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logs.Infof("metrics listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !exception.Is(err, http.ErrServerClosed) {
			logs.Errorf("metrics server, err: %+v", err)
		}
	}()
	return server
}

func startProfiler(addr string) (*pyroscope.Profiler, error) {
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "sitesync",
		ServerAddress:   addr,
		Logger:          profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "start pyroscope").With("addr", addr)
	}
	return profiler, nil
}

// profilerLogger routes pyroscope's own logs through logs, dropping debug.
type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{})  { logs.Infof(format, args...) }
func (profilerLogger) Debugf(_ string, _ ...interface{})         {}
func (profilerLogger) Errorf(format string, args ...interface{}) { logs.Errorf(format, args...) }
