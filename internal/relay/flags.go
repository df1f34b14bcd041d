package relay

import (
	"flag"
	"os"
	"time"

	"github.com/casalink/casalink/internal/flagx"
)

// parseFlags populates selected relay Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":3001")
//	-t int      forward timeout, seconds
//	-q int      per-hub outbound queue size
//
// The hub allow-list has no flag form; it comes from the JSON config file.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-t", "-q"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddr, "a", config.EndpointAddr, "address and port to run relay")
	forwardTimeout := fs.Int("t", int(config.ForwardTimeout.Seconds()), "forward timeout (in seconds)")
	fs.IntVar(&config.QueueSize, "q", config.QueueSize, "per-hub outbound queue size")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.ForwardTimeout = time.Duration(*forwardTimeout) * time.Second
}
