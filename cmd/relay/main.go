package main

import (
	"context"
	"log"

	"github.com/casalink/casalink/internal/relay"
)

func main() {

	ctx := context.Background()
	cfg := relay.LoadConfig()
	app, err := relay.NewApp(cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	if err := app.Run(ctx); err != nil {
		log.Printf("%v", err)
	}

}
