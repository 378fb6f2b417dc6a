// callctl is a headless call client, used to exercise a deployment end to
// end: it joins a room as caller or callee, negotiates media, and runs until
// the call ends or the process is interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"telecare-rtc/internal/callstate"
	"telecare-rtc/internal/config"
	"telecare-rtc/internal/domain"
	"telecare-rtc/internal/service/call"
	"telecare-rtc/internal/signaling"
	"telecare-rtc/internal/transport"
	"telecare-rtc/pkg/logger"
)

func main() {
	dial := flag.Bool("dial", false, "place the call instead of waiting for one")
	remoteID := flag.String("remote", "", "expected peer user id")
	flag.Parse()

	cfg := config.LoadClient()
	if err := logger.Init(&logger.Config{Level: "debug", Format: "console"}); err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.UserID == "" || cfg.RoomID == "" {
		logger.Fatal("USER_ID and ROOM_ID are required")
	}

	store := callstate.New()
	channel := signaling.NewWSChannel(cfg.ServerURL, cfg.AuthToken)

	controller := call.NewController(call.Config{
		Channel: channel,
		Store:   store,
		LocalUser: domain.User{
			ID:   cfg.UserID,
			Name: cfg.UserName,
			Role: domain.Role(cfg.UserRole),
		},
		RemoteUser: domain.User{ID: *remoteID},
		RoomID:     cfg.RoomID,
		IsCaller:   *dial,
		ICE: transport.ICEConfig{
			STUNURL:      cfg.STUNURL,
			TURNURL:      cfg.TURNURL,
			TURNUsername: cfg.TURNUser,
			TURNPassword: cfg.TURNPass,
			RelayOnly:    cfg.RelayOnly,
		},
		RingTimeout: cfg.RingTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := controller.Start(ctx)
	cancel()
	if err != nil {
		logger.Fatal("call start failed", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			logger.Info("interrupted, hanging up")
			controller.HangUp()
			channel.Disconnect()
			return
		case <-ticker.C:
			session := store.CurrentCall()
			if session == nil || session.Status.IsTerminal() {
				logger.Info("call over")
				controller.Stop()
				channel.Disconnect()
				return
			}
		}
	}
}
