// Package main provides the malauth command: an interactive MyAnimeList login
// that keeps an encrypted, auto-refreshed session for other tools to use.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/malclient/malauth/internal/auth/mal"
	"github.com/malclient/malauth/internal/buildinfo"
	"github.com/malclient/malauth/internal/cmd"
	"github.com/malclient/malauth/internal/config"
	"github.com/malclient/malauth/internal/logging"
	"github.com/malclient/malauth/internal/util"
	log "github.com/sirupsen/logrus"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	os.Exit(run())
}

func run() int {
	var login bool
	var noBrowser bool
	var printToken bool
	var status bool
	var jsonOutput bool
	var logout bool
	var showVersion bool
	var configPath string
	var callbackTimeout time.Duration

	flag.BoolVar(&login, "login", false, "Log in to MyAnimeList using OAuth")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open browser automatically for OAuth")
	flag.BoolVar(&printToken, "token", false, "Print a valid access token, refreshing it if needed")
	flag.BoolVar(&status, "status", false, "Show the stored session")
	flag.BoolVar(&jsonOutput, "json", false, "With -status, print JSON")
	flag.BoolVar(&logout, "logout", false, "Remove the stored session")
	flag.BoolVar(&showVersion, "version", false, "Print version information")
	flag.StringVar(&configPath, "config", config.DefaultConfigPath(), "Configure File Path")
	flag.DurationVar(&callbackTimeout, "callback-timeout", 0, "Override how long -login waits for the browser redirect")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		return 0
	}

	wd, err := os.Getwd()
	if err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if migrated, errMigrate := config.MigrateLegacyKeys(configPath); errMigrate != nil {
		log.WithError(errMigrate).Warn("failed to migrate legacy configuration keys")
	} else if migrated {
		log.Infof("migrated legacy keys in %s", configPath)
	}

	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return 1
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err = cfg.Validate(); err != nil {
		log.Errorf("invalid configuration: %v", err)
		return 1
	}

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return 1
	}
	defer logging.Close()
	util.SetLogLevel(cfg)
	log.Debug(buildinfo.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case login:
		err = cmd.DoLogin(ctx, cfg, &cmd.LoginOptions{NoBrowser: noBrowser, CallbackTimeout: callbackTimeout})
	case printToken:
		err = cmd.DoPrintToken(ctx, cfg, os.Stdout)
	case status:
		err = cmd.DoStatus(ctx, cfg, os.Stdout, jsonOutput)
	case logout:
		err = cmd.DoLogout(ctx, cfg, os.Stdout)
	default:
		flag.Usage()
		return 2
	}

	if err != nil {
		if mal.IsAuthenticationError(err) {
			log.Error(mal.GetUserFriendlyMessage(err))
			log.Debugf("details: %v", err)
		} else {
			log.Errorf("malauth: %v", err)
		}
	}
	return cmd.ExitCode(err)
}
