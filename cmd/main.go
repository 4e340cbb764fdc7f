package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/copurchase/internal/app"
	"github.com/yungbote/copurchase/internal/recommender"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx)
	if err != nil {
		var cfgErr *app.ConfigError
		switch {
		case errors.As(err, &cfgErr):
			fmt.Printf("invalid configuration: %v\n", err)
		case errors.Is(err, recommender.ErrStoreUnavailable):
			fmt.Printf("association store unreachable: %v\n", err)
		default:
			fmt.Printf("init app: %v\n", err)
		}
		os.Exit(1)
	}
	defer application.Close()

	application.Log.Info("Recommender worker started",
		"backend", application.Cfg.Store.Backend,
		"event_source", application.Cfg.Events.Source,
	)
	if err := application.Run(ctx); err != nil {
		application.Log.Error("Recommender worker stopped", "error", err)
		application.Close()
		os.Exit(1)
	}
	application.Log.Info("Recommender worker shut down")
}
