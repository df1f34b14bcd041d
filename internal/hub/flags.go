package hub

import (
	"flag"
	"os"

	"github.com/casalink/casalink/internal/flagx"
)

// parseFlags populates selected hub Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   local API bind address (e.g., ":3000")
//	-r string   relay channel URL (e.g., "ws://relay:3001/channel")
//	-m string   hub MAC address (12 hex characters)
//	-k string   remote auth key
//	-d string   PostgreSQL DSN
//	-s string   session store backend ("postgres" or "redis")
//	-e string   Redis address
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-r", "-m", "-k", "-d", "-s", "-e"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddr, "a", config.EndpointAddr, "address and port to run local API")
	fs.StringVar(&config.RelayURL, "r", config.RelayURL, "relay channel URL")
	fs.StringVar(&config.MacAddress, "m", config.MacAddress, "hub mac address")
	fs.StringVar(&config.RemoteAuthKey, "k", config.RemoteAuthKey, "remote auth key")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SessionStore, "s", config.SessionStore, "session store backend")
	fs.StringVar(&config.RedisAddr, "e", config.RedisAddr, "redis address")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
