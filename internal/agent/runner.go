// Package agent runs the deskmux command: one multiplexed connection, an
// optional inspector surface, and a chat request streamed to a writer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/deskmux/internal/chat"
	"github.com/gaspardpetit/deskmux/internal/config"
	"github.com/gaspardpetit/deskmux/internal/inspector"
	"github.com/gaspardpetit/deskmux/internal/logx"
	"github.com/gaspardpetit/deskmux/internal/reconnect"
	"github.com/gaspardpetit/deskmux/internal/secret"
	"github.com/gaspardpetit/deskmux/internal/wsmux"
)

// Run connects to cfg.URL and sends prompt as a chat request, writing the
// streamed text to out. With an empty prompt it keeps the connection and the
// inspector up until ctx is done. gatherer backs the inspector's /metrics.
func Run(ctx context.Context, cfg config.ClientConfig, prompt string, out io.Writer, gatherer prometheus.Gatherer) error {
	opts := []wsmux.Option{
		wsmux.WithName(cfg.Name),
		wsmux.WithPingInterval(cfg.PingInterval),
		wsmux.WithWriteTimeout(cfg.WriteTimeout),
		wsmux.WithDialer(wsmux.WebSocketDialer{ReadLimit: cfg.ReadLimit}),
		wsmux.WithAutoReconnect(cfg.ReconnectPolicy()),
		wsmux.WithBroadcastHandler(func(m wsmux.Message) {
			logx.Log.Info().Interface("frame", m).Msg("broadcast")
		}),
	}

	var journal inspector.Journal
	if cfg.InspectorAddr != "" {
		j, err := openJournal(ctx, cfg)
		if err != nil {
			return err
		}
		if c, ok := j.(io.Closer); ok {
			defer c.Close()
		}
		journal = j
		opts = append(opts, wsmux.WithTap(inspector.NewRecorder(j)))
	}

	client := wsmux.New(cfg.URL, opts...)
	defer client.Close()

	if cfg.InspectorAddr != "" {
		stop, err := serveInspector(cfg, client, journal, gatherer)
		if err != nil {
			return err
		}
		defer stop()
	}

	if err := ConnectWithRetry(ctx, cfg.Reconnect, client.Connect); err != nil {
		return err
	}
	if prompt == "" {
		logx.Log.Info().Str("url", secret.MaskURL(cfg.URL)).Msg("connected; waiting for interrupt")
		<-ctx.Done()
		return nil
	}

	if cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
	}
	req := chat.Request{
		Model:        cfg.Model,
		Messages:     []chat.Turn{{Role: "user", Content: prompt}},
		SystemPrompt: cfg.SystemPrompt,
		Temperature:  cfg.Temperature,
		Stream:       true,
	}
	var (
		mu   sync.Mutex
		werr error
	)
	_, err := chat.New(client, chat.WithRoute(cfg.Route)).Stream(ctx, req, func(ev chat.Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Text != "" && werr == nil {
			_, werr = io.WriteString(out, ev.Text)
		}
	})
	mu.Lock()
	defer mu.Unlock()
	if werr == nil {
		_, werr = io.WriteString(out, "\n")
	}
	if err != nil {
		return err
	}
	return werr
}

func openJournal(ctx context.Context, cfg config.ClientConfig) (inspector.Journal, error) {
	if cfg.JournalRedis == "" {
		return inspector.NewMemoryJournal(cfg.JournalCapacity), nil
	}
	j, err := inspector.NewRedisJournal(ctx, cfg.JournalRedis, inspector.DefaultRedisKey+":"+cfg.Name, cfg.JournalCapacity)
	if err != nil {
		return nil, err
	}
	logx.Log.Info().Str("addr", secret.MaskURL(cfg.JournalRedis)).Msg("using redis frame journal")
	return j, nil
}

func serveInspector(cfg config.ClientConfig, client *wsmux.Client, j inspector.Journal, g prometheus.Gatherer) (func(), error) {
	ln, err := net.Listen("tcp", cfg.InspectorAddr)
	if err != nil {
		return nil, fmt.Errorf("inspector listen %s: %w", cfg.InspectorAddr, err)
	}
	srv := &http.Server{
		Handler: inspector.Handler(inspector.Options{
			Source:         client,
			Journal:        j,
			AllowedOrigins: cfg.AllowedOrigins,
			Gatherer:       g,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Log.Error().Err(err).Msg("inspector server error")
		}
	}()
	logx.Log.Info().Str("addr", ln.Addr().String()).Msg("inspector listening")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logx.Log.Error().Err(err).Msg("inspector shutdown")
		}
	}, nil
}

// ConnectWithRetry invokes connect until it succeeds or the context ends.
// Without retry the first error is returned.
func ConnectWithRetry(ctx context.Context, retry bool, connect func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := connect(ctx)
		if err == nil || !retry || errors.Is(err, wsmux.ErrClientClosed) {
			return err
		}
		delay := reconnect.Delay(attempt)
		logx.Log.Warn().Dur("backoff", delay).Err(err).Msg("connect failed; retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
