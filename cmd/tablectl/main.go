// Command tablectl joins a table from the terminal, sets a nickname and
// prints every nickname change until interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tile-table/internal/app"
	"github.com/DoyleJ11/tile-table/pkg/client"
)

func main() {
	url := flag.String("url", "ws://localhost:1235/ws", "server websocket url")
	game := flag.String("game", "", "game id to join; empty creates a new game")
	nick := flag.String("nick", "", "nickname to publish")
	password := flag.String("password", "", "room password, if known")
	flag.Parse()

	log, err := app.NewLogger(os.Getenv("APP_ENV"))
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn := client.NewConn(client.WithLogger(log.Named("client")))
	nicks := client.NewCollection[string, string]("nicks", conn)

	conn.OnConnect(func(g client.Game, isFirst bool) {
		log.Info("joined",
			zap.String("game_id", g.GameID),
			zap.String("player_id", g.PlayerID),
			zap.Bool("first", isFirst),
		)
		if g.Password != "" {
			log.Info("room password", zap.String("password", g.Password))
		}
		if *password != "" {
			conn.Auth(*password)
		}
		if *nick != "" {
			nicks.Set(g.PlayerID, *nick)
		}
	})
	conn.OnAuthed(func(ok bool) { log.Info("auth", zap.Bool("ok", ok)) })
	conn.OnDisconnect(func(prev *client.Game) {
		log.Info("disconnected")
		stop()
	})
	nicks.OnUpdate(func(changes []client.Change[string, string], full bool) {
		if full {
			log.Info("nickname snapshot", zap.Int("players", nicks.Len()))
		}
		for _, ch := range changes {
			if ch.Deleted {
				log.Info("nick cleared", zap.String("player_id", ch.Key))
				continue
			}
			log.Info("nick", zap.String("player_id", ch.Key), zap.String("nick", ch.Value))
		}
	})

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if *game == "" {
		err = conn.New(dialCtx, *url)
	} else {
		err = conn.Join(dialCtx, *url, *game)
	}
	cancel()
	if err != nil {
		log.Error("connect failed", zap.Error(err))
		return
	}

	<-ctx.Done()
	_ = conn.Disconnect()
}
