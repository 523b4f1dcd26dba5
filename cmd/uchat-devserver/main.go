package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log/level"
	"github.com/joho/godotenv"
	"uchat-directory/internal/auth"
	"uchat-directory/internal/config"
	"uchat-directory/internal/logging"
	"uchat-directory/internal/model"
	"uchat-directory/internal/server"
	"uchat-directory/internal/socketio"
	"uchat-directory/internal/store"
)

func main() {
	seed := flag.Bool("seed", false, "create demo accounts and conversations when missing")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)

	gin.SetMode(cfg.GinMode)
	st := store.NewWithOptions(store.Options{StateFile: cfg.StateFile, Logger: logger})
	if *seed {
		if err := seedDemo(st, time.Now().UnixMilli()); err != nil {
			level.Error(logger).Log("msg", "seed failed", "err", err)
			os.Exit(1)
		}
	}

	tokenCfg := auth.DefaultTokenConfig(cfg.MasterSecret)
	tokenCfg.Expiry = cfg.TokenExpiry()

	socket := socketio.NewServer(socketio.Deps{Store: st, TokenConfig: tokenCfg, Logger: logger})
	router := server.NewRouter(server.Deps{
		Store:        st,
		TokenConfig:  tokenCfg,
		Socket:       socket,
		SecureCookie: cfg.TLSCertFile != "",
	})

	level.Info(logger).Log("msg", "listening", "addr", fmt.Sprintf(":%d", cfg.Port), "tls", cfg.TLSCertFile != "")
	err = server.Run(cfg, router)
	router.Close()
	if err != nil {
		level.Error(logger).Log("msg", "server stopped", "err", err)
		os.Exit(1)
	}
}

type demoAccount struct {
	name, email, password string
}

var demoAccounts = []demoAccount{
	{name: "Ada", email: "ada@example.com", password: "ada-password"},
	{name: "Bob", email: "bob@example.com", password: "bob-password"},
	{name: "Cy", email: "cy@example.com", password: "cy-password"},
}

// seedDemo creates the demo accounts that are missing and, for new ones, a
// few conversations covering text, media and self-chat previews.
func seedDemo(st *store.Store, now int64) error {
	ids := make(map[string]string, len(demoAccounts))
	created := false
	for _, d := range demoAccounts {
		if acc, ok := st.AccountByEmail(d.email); ok {
			ids[d.name] = acc.ID
			continue
		}
		acc, err := st.CreateAccount(d.name, d.email, d.password, "", now)
		if err != nil {
			return fmt.Errorf("create %s: %w", d.email, err)
		}
		ids[d.name] = acc.ID
		created = true
	}
	if !created {
		return nil
	}

	messages := []struct {
		from, to string
		msg      model.Message
	}{
		{"Bob", "Ada", model.Message{Text: "hi Ada"}},
		{"Cy", "Ada", model.Message{ImageURL: "https://example.com/cat.png"}},
		{"Ada", "Ada", model.Message{Text: "groceries: milk, eggs"}},
		{"Bob", "Ada", model.Message{Text: "look at this", VideoURL: "https://example.com/clip.mp4"}},
		{"Cy", "Bob", model.Message{Text: "lunch?"}},
	}
	for i, m := range messages {
		if _, _, err := st.AppendMessage(ids[m.from], ids[m.to], m.msg, now+int64(i)); err != nil {
			return fmt.Errorf("seed message %d: %w", i, err)
		}
	}
	return nil
}
