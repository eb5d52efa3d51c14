package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"peerlink/internal/agent"
	"peerlink/internal/config"
	"peerlink/internal/entity"
	"peerlink/internal/facilitator"
	"peerlink/internal/observability"
	"peerlink/internal/session"
	"peerlink/internal/transport"
	"peerlink/internal/wire"
)

const version = "0.1.0"

const usage = `peerlink - peer-to-peer session networking

Usage:
  peerlink init --config <path>
  peerlink facilitator --config <path> [--port <n>]
  peerlink agent --config <path> [--host <session> | --join <session>]
  peerlink list --config <path>
  peerlink discover [--port <n>] [--wait <duration>]
  peerlink version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "init":
		handleInit(os.Args[2:])
	case "facilitator":
		handleFacilitator(os.Args[2:])
	case "agent":
		handleAgent(os.Args[2:])
	case "list":
		handleList(os.Args[2:])
	case "discover":
		handleDiscover(os.Args[2:])
	case "version":
		fmt.Println("peerlink", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)
	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}

	cfg := config.Config{
		Facilitator: &config.FacilitatorConfig{
			Port:    config.DefaultFacilitatorPort,
			DataDir: "data",
		},
		Agent: &config.AgentConfig{
			Name:        "agent-1",
			Facilitator: fmt.Sprintf("127.0.0.1:%d", config.DefaultFacilitatorPort),
		},
		Log: config.LogConfig{Level: "info"},
	}
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Println("wrote", *configPath)
}

func handleFacilitator(args []string) {
	fs := flag.NewFlagSet("facilitator", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	port := fs.Int("port", 0, "override listen port")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Facilitator == nil {
		fatal(errors.New("facilitator config required"))
	}
	if *port != 0 {
		cfg.Facilitator.Port = *port
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	log := observability.SetupLogger(cfg.Log)
	defer log.Sync()

	tr, err := transport.Listen(transport.Config{Port: cfg.Facilitator.Port}, log.Named("transport"))
	if err != nil {
		fatal(err)
	}
	defer tr.Close()

	snapshot := ""
	if cfg.Facilitator.DataDir != "" {
		snapshot = cfg.Facilitator.DataDir + "/agents.yaml"
	}
	srv := facilitator.New(facilitator.Config{
		TTL:          time.Duration(cfg.Facilitator.AgentTTLSec) * time.Second,
		SnapshotPath: snapshot,
	}, tr, log.Named("facilitator"), nil)

	ctx, cancel := signalContext()
	defer cancel()
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func handleAgent(args []string) {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	hostName := fs.String("host", "", "host a session with this name")
	hostInfo := fs.String("info", "", "free-form session description shown to joiners")
	joinName := fs.String("join", "", "join a session with this name")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Agent == nil {
		fatal(errors.New("agent config required"))
	}
	if *hostName != "" && *joinName != "" {
		fatal(errors.New("--host and --join are mutually exclusive"))
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	log := observability.SetupLogger(cfg.Log)
	defer log.Sync()

	// Callbacks run on the Process loop below, after New returns; sess is
	// always bound by then.
	var sess *session.Session
	events := session.Events{
		SessionStarted: func(hosted bool, name string) {
			log.Info("session started", zap.Bool("hosted", hosted), zap.String("session", name))
			if hosted {
				if _, err := sess.Entities().CreateNetworkInstance("presence", sess.ID(), 1, 0, false, entity.Transform{}); err != nil {
					log.Warn("presence create failed", zap.Error(err))
				}
			} else {
				sess.Entities().CallRpc(sess.ID(), "Hello", false, fmt.Sprintf("%q joined", cfg.Agent.Name), 0, 0)
			}
		},
		SessionError: func(op, reason string) {
			log.Warn("session error", zap.String("op", op), zap.String("reason", reason))
		},
		AgentConnected: func(a *agent.SessionAgent) {
			path := a.ConnectedEndpoint
			if a.Relay {
				path = "relay"
			}
			log.Info("agent joined", zap.String("agent", a.ID.String()), zap.String("name", a.Name), zap.String("path", path))
		},
		AgentDisconnected: func(a *agent.SessionAgent) {
			log.Info("agent left", zap.String("agent", a.ID.String()), zap.String("name", a.Name))
		},
	}

	sess, err = session.New(*cfg.Agent, events, log.Named("session"), nil)
	if err != nil {
		fatal(err)
	}
	defer sess.Close()

	// A shared presence marker per session: the host owns it, every member
	// replicates it, and the Hello RPC announces each joiner.
	if err := sess.Entities().RegisterType(entity.Type{Name: "presence", MaxInstances: 1, Mode: entity.ModeHostOnly}); err != nil {
		fatal(err)
	}
	sess.Entities().BindRpc("Hello", func(c entity.RpcCall) {
		log.Info("hello", zap.String("from", c.Sender.String()), zap.String("args", c.Args))
	})

	ctx, cancel := signalContext()
	defer cancel()

	sess.Connect()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	started := false
	for {
		select {
		case <-ctx.Done():
			shutdown(sess, ticker)
			return
		case <-ticker.C:
			sess.Process()
			if !started && sess.State() == session.StateRegistered {
				started = true
				switch {
				case *hostName != "":
					sess.HostSession(facilitator.HostRequest{
						Name: *hostName,
						Info: *hostInfo,
						Max:  cfg.Agent.MaxAgents,
					})
				case *joinName != "":
					sess.JoinSession(*joinName)
				}
			}
		}
	}
}

// shutdown unregisters and keeps ticking briefly so the Remove exchange can
// complete before the socket closes.
func shutdown(sess *session.Session, ticker *time.Ticker) {
	if sess.State() != session.StateRegistered {
		return
	}
	sess.Unregister()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sess.State() != session.StateDisconnected {
		<-ticker.C
		sess.Process()
	}
}

func handleList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Agent == nil {
		fatal(errors.New("agent config required"))
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	log := observability.SetupLogger(cfg.Log)
	defer log.Sync()

	done := false
	events := session.Events{
		AgentsListed: func(agents []facilitator.AgentSummary) {
			if len(agents) == 0 {
				fmt.Println("no other agents registered")
			}
			for _, a := range agents {
				fmt.Printf("%s  %s\n", a.ID, a.Name)
			}
			done = true
		},
		SessionError: func(op, reason string) {
			fmt.Fprintf(os.Stderr, "%s failed: %s\n", op, reason)
			done = true
		},
	}

	sess, err := session.New(*cfg.Agent, events, log.Named("session"), nil)
	if err != nil {
		fatal(err)
	}
	defer sess.Close()

	sess.Connect()
	asked := false
	deadline := time.Now().Add(10 * time.Second)
	for !done && time.Now().Before(deadline) {
		sess.Process()
		if !asked && sess.State() == session.StateRegistered {
			asked = true
			sess.ListAgents()
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !done {
		fatal(errors.New("list timed out"))
	}
	if sess.State() == session.StateRegistered {
		sess.Unregister()
		for i := 0; i < 50 && sess.State() != session.StateDisconnected; i++ {
			sess.Process()
			time.Sleep(20 * time.Millisecond)
		}
	}
}

func handleDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	port := fs.Int("port", config.DefaultFacilitatorPort, "facilitator port to probe")
	wait := fs.Duration("wait", 2*time.Second, "listen window for responses")
	_ = fs.Parse(args)

	tr, err := transport.Listen(transport.Config{}, zap.NewNop())
	if err != nil {
		fatal(err)
	}
	defer tr.Close()

	probe, err := wire.Encode(wire.Message{Type: wire.TypeFacilitate, Name: wire.NameDiscover})
	if err != nil {
		fatal(err)
	}
	if err := tr.BroadcastDiscovery(probe, *port); err != nil {
		fatal(err)
	}

	seen := map[string]bool{}
	deadline := time.Now().Add(*wait)
	for time.Now().Before(deadline) {
		for _, ev := range tr.Process(time.Now()) {
			if ev.Kind != transport.EventUnconnected || ev.Unconnected != transport.UnconnectedDiscoveryResponse {
				continue
			}
			m, err := wire.Decode(ev.Data)
			if err != nil {
				continue
			}
			var d facilitator.DiscoverResponse
			if err := wire.UnmarshalArgs(m.Payload, &d); err != nil {
				continue
			}
			key := ev.Addr.String()
			if !seen[key] {
				seen[key] = true
				fmt.Printf("%s  %s (port %d)\n", ev.Addr.IP, d.Name, d.Port)
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(seen) == 0 {
		fmt.Println("no facilitators found")
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, errors.New("--config is required")
	}
	return config.Load(path)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
