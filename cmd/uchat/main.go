package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"uchat-directory/internal/api"
	"uchat-directory/internal/app"
	"uchat-directory/internal/config"
	"uchat-directory/internal/kv"
	"uchat-directory/internal/logging"
	"uchat-directory/internal/model"
	"uchat-directory/internal/socketio"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.LoadClientConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		level.Error(logger).Log("msg", "uchat failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.ClientConfig, logger log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := kv.OpenBolt(cfg.SessionDB)
	if err != nil {
		return err
	}
	defer store.Close()

	ui := renderer{out: os.Stdout, colors: color.SupportColor()}
	var a *app.App
	a = app.New(
		api.NewClient(cfg.BackendURL, cfg.RequestTimeout),
		store,
		app.SocketDialer(cfg.SocketURL(), socketio.Options{
			Logger:           logger,
			HandshakeTimeout: cfg.RequestTimeout,
		}),
		app.Options{
			Logger: logger,
			Strict: cfg.DevMode,
			OnApplied: func(views []model.ConversationView, skipped []error) {
				sess, _ := a.Session()
				fmt.Fprintln(os.Stdout)
				ui.directory(views, sess.Identity.ID)
				if len(skipped) > 0 {
					ui.notice("%d conversation(s) could not be shown.", len(skipped))
				}
			},
			OnDrop: func(err error) {
				ui.failure(fmt.Sprintf("Connection lost (%v). Type 'reconnect' to resubscribe.", err))
			},
		},
	)
	defer a.Close()

	sess, resumed, err := a.Resume(ctx)
	switch {
	case err != nil && !resumed:
		ui.failure(fmt.Sprintf("Could not restore the previous session: %s", displayError(err)))
	case err != nil:
		ui.notice("Welcome back, %s.", sess.Identity.DisplayName)
		ui.failure(fmt.Sprintf("Live updates unavailable: %v. Type 'reconnect' to retry.", err))
	case resumed:
		ui.notice("Welcome back, %s.", sess.Identity.DisplayName)
	}

	go func() {
		<-ctx.Done()
		_ = a.Close()
		_ = store.Close()
		os.Exit(130)
	}()

	c := &console{app: a, in: bufio.NewScanner(os.Stdin), out: os.Stdout, ui: ui}
	for {
		if !c.login(ctx) {
			return nil
		}
		fmt.Fprintln(os.Stdout, helpText)
		if !c.commands(ctx) {
			return nil
		}
	}
}
