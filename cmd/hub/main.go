package main

import (
	"context"
	"log"

	"github.com/casalink/casalink/internal/hub"
)

func main() {

	ctx := context.Background()
	cfg := hub.LoadConfig()
	app, err := hub.NewApp(cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	if err := app.Run(ctx); err != nil {
		log.Printf("%v", err)
	}

}
