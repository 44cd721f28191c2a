// Command spindle is the broadcasting client daemon: it watches the DJ
// application's history log, keeps the local play history, and mirrors the
// session to the relay.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spindlecast/spindle/internal/config"
	"github.com/spindlecast/spindle/internal/detector"
	"github.com/spindlecast/spindle/internal/enrich"
	"github.com/spindlecast/spindle/internal/outbox"
	"github.com/spindlecast/spindle/internal/session"
	"github.com/spindlecast/spindle/internal/storage"
	"github.com/spindlecast/spindle/internal/transport"
)

var (
	configPath = flag.String("config", "", "Path to config file (default <dir>/config.json)")
	dataDir    = flag.String("dir", ".", "Data directory")
	name       = flag.String("name", "", "Session name")
	includeCur = flag.Bool("include-current", false, "Record the track already playing at start")
	version    = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("spindle v%s\n", appVersion)
		return
	}

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(*dataDir, "config.json")
	}

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("MAIN: config: %v", err)
	}
	if created {
		log.Printf("MAIN: wrote default config to %s — fill in relay.url and detector.history_file", cfgPath)
		return
	}
	if cfg.Relay.URL == "" || cfg.Detector.HistoryFile == "" {
		log.Fatalf("MAIN: config %s needs relay.url and detector.history_file", cfgPath)
	}

	storageDir := cfg.Storage.Dir
	if !filepath.IsAbs(storageDir) {
		storageDir = filepath.Join(*dataDir, storageDir)
	}
	db, err := storage.Open(storageDir)
	if err != nil {
		log.Fatalf("MAIN: open storage: %v", err)
	}
	defer db.Close()

	det := detector.New(cfg.Detector.HistoryFile)
	enricher := enrich.New(db)
	defer enricher.Close()

	tr := transport.New(cfg.Relay.URL, time.Duration(cfg.Relay.ConnectTimeoutSec)*time.Second)
	out := outbox.New(tr, db, time.Duration(cfg.Relay.AckTimeoutSec)*time.Second)

	engine := session.New(db, det, enricher, tr, out, session.Config{
		DisplayName:      cfg.Relay.DisplayName,
		AuthToken:        cfg.Relay.AuthToken,
		DetectorPoll:     time.Duration(cfg.Detector.PollIntervalMs) * time.Millisecond,
		DedupWindow:      time.Duration(cfg.Session.DedupWindowSec) * time.Second,
		MinReplay:        time.Duration(cfg.Session.MinReplaySec) * time.Second,
		LikeFlush:        time.Duration(cfg.Session.LikeFlushMs) * time.Millisecond,
		PingInterval:     time.Duration(cfg.Relay.PingIntervalSec) * time.Second,
		ValidateInterval: time.Hour,
		SyncBatchSize:    cfg.Session.SyncBatchSize,
		SyncBatchTimeout: time.Duration(cfg.Session.SyncBatchTimeoutSec) * time.Second,
	})

	tr.OnOpen = engine.HandleOpen
	tr.OnMessage = engine.HandleMessage
	tr.OnClose = engine.HandleClose

	if err := engine.GoLive(session.GoLiveOptions{
		Name:                *name,
		IncludeCurrentTrack: *includeCur,
	}); err != nil {
		log.Fatalf("MAIN: go live: %v", err)
	}

	go printUpdates(engine)
	go readCommands(engine)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("MAIN: shutting down")
	if err := engine.EndSet(); err != nil {
		log.Printf("MAIN: end set: %v", err)
	}
}

// printUpdates logs state transitions and audience activity.
func printUpdates(engine *session.Engine) {
	updates, cancel := engine.Subscribe()
	defer cancel()

	var lastStatus session.Status
	var lastTrack string
	for snap := range updates {
		if snap.Status != lastStatus {
			lastStatus = snap.Status
			log.Printf("MAIN: session %s", snap.Status)
		}
		if snap.NowPlaying != nil {
			if t := snap.NowPlaying.Artist + " - " + snap.NowPlaying.Title; t != lastTrack {
				lastTrack = t
				log.Printf("MAIN: now playing: %s", t)
			}
		}
	}
}

// readCommands is the minimal stdin control surface.
func readCommands(engine *session.Engine) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "sync":
			err = engine.ForceSync()
		case "stop":
			err = engine.ClearNowPlaying()
		case "poll":
			// poll <seconds> <question> | <opt> | <opt> [...]
			parts := strings.Split(strings.TrimSpace(line[len("poll"):]), "|")
			if len(parts) < 3 {
				err = fmt.Errorf("usage: poll <seconds> <question> | <opt> | <opt> [...]")
				break
			}
			head := strings.Fields(strings.TrimSpace(parts[0]))
			if len(head) < 2 {
				err = fmt.Errorf("usage: poll <seconds> <question> | <opt> | <opt> [...]")
				break
			}
			var secs int
			if _, err = fmt.Sscanf(head[0], "%d", &secs); err != nil {
				break
			}
			question := strings.Join(head[1:], " ")
			var opts []string
			for _, p := range parts[1:] {
				opts = append(opts, strings.TrimSpace(p))
			}
			err = engine.StartPoll(question, opts, time.Duration(secs)*time.Second)
		case "endpoll":
			err = engine.EndPoll()
		case "announce":
			err = engine.SendAnnouncement(strings.TrimSpace(line[len("announce"):]), 0)
		case "unannounce":
			err = engine.CancelAnnouncement()
		case "rate":
			if len(fields) < 2 {
				err = fmt.Errorf("usage: rate neutral|peak|brick")
				break
			}
			err = engine.RateCurrentPlay(fields[1])
		case "note":
			err = engine.AnnotateCurrentPlay(strings.TrimSpace(line[len("note"):]))
		default:
			err = fmt.Errorf("unknown command %q", fields[0])
		}
		if err != nil {
			log.Printf("MAIN: %s: %v", fields[0], err)
		}
	}
}
