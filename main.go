// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/confkit/webconferencing/internal/config"
	"github.com/confkit/webconferencing/internal/util"
	"github.com/confkit/webconferencing/internal/webconf"
)

var log = logging.Logger("webconf/main")

var (
	dataDir  = flag.String("data", "data", "Data directory (config, preferences)")
	userFlag = flag.String("user", "", "Portal user id (used when creating a fresh config)")
	logLevel = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *showHelp {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(appVersion)
		return
	}

	if err := logging.SetLogLevel("*", *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}

	if err := run(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	userID := *userFlag
	if userID != "" {
		normalized, err := util.ValidateUserID(userID)
		if err != nil {
			return fmt.Errorf("-user: %w", err)
		}
		userID = normalized
	}

	cfgPath := filepath.Join(*dataDir, "config.json")
	cfg, created, err := config.Ensure(cfgPath, userID)
	if err != nil {
		return err
	}
	if created {
		log.Infof("created default config at %s", cfgPath)
	}
	if cfg.Prefs.Dir == "" || !filepath.IsAbs(cfg.Prefs.Dir) {
		cfg.Prefs.Dir = util.ResolvePath(*dataDir, cfg.Prefs.Dir)
	}

	svc, err := webconf.New(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	watcher, err := config.Watch(cfgPath, svc.Reload)
	if err != nil {
		log.Warnf("config watching disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infof("webconferencing client %s starting as %s", appVersion, cfg.Identity.UserID)
	return svc.Run(ctx)
}
