package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/profile"
	"go.uber.org/fx"
)

// TokenEnv holds the ws backend credential. It may also be set in the
// profile's .env file.
const TokenEnv = "CHATSYNC_TOKEN"

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default $CHATSYNC_HOME/config.toml)")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fatal(err)
	}

	path := *configFlag
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		fatal(err)
	}
	p := cfg.Profile(name)
	if err := p.Validate(); err != nil {
		fatal(fmt.Errorf("profile %q: %w", name, err))
	}

	// Values already in the environment win over the .env file.
	if err := godotenv.Load(profile.EnvPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fatal(fmt.Errorf("load env: %w", err))
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Profile:    name,
			Config:     p,
			Token:      os.Getenv(TokenEnv),
		}),
	)

	app.Run()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
