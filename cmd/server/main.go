package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/draftsync/internal/server"
	"github.com/dmitrijs2005/draftsync/internal/server/config"
)

func main() {

	cfg := config.LoadConfig()

	// draftsync-server token <participant>
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if len(os.Args) < 3 {
			log.Fatal("usage: server token <participant-id>")
		}
		token, err := server.IssueToken(cfg, os.Args[2])
		if err != nil {
			log.Fatalf("%v", err)
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := app.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}

}
