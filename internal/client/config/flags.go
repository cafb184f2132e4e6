package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/draftsync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   address and port of the draftsync server
//	-u string   base URL of the asset endpoint
//	-d string   path of the local database file
//	-p string   participant ID of this device
//	-t string   access token
//	-i int      online check interval (in seconds)
//
// Note: The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-u", "-d", "-p", "-t", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerEndpointAddr, "a", cfg.ServerEndpointAddr, "address and port to access server")
	fs.StringVar(&cfg.AssetsURL, "u", cfg.AssetsURL, "asset endpoint base URL")
	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "local database file")
	fs.StringVar(&cfg.ParticipantID, "p", cfg.ParticipantID, "participant ID")
	fs.StringVar(&cfg.AccessToken, "t", cfg.AccessToken, "access token")
	onlineCheckInterval := fs.Int("i", int(cfg.OnlineCheckInterval.Seconds()), "online check interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "i" {
			cfg.OnlineCheckInterval = time.Duration(*onlineCheckInterval) * time.Second
		}
	})
}
