package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/kabili207/meshstack/pkg/config"
	"github.com/kabili207/meshstack/pkg/mesh"
	"github.com/kabili207/meshstack/pkg/metrics"
	"github.com/kabili207/meshstack/pkg/phy"
)

// Build time variables
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	printExample := flag.Bool("example-config", false, "print the example config and exit")
	flag.Parse()

	if *printExample {
		fmt.Print(config.ExampleConfig)
		return
	}

	cfg, err := config.New(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}
	log, err := cfg.Logging.Logger(os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.Info().Str("tag", Tag).Str("commit", Commit).Str("built", BuildTime).Msg("Starting mesh node")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Mesh node failed")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	meshCfg, err := cfg.MeshConfig()
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	node, err := mesh.NewNode(meshCfg, clock.New(), rng, log)
	if err != nil {
		return err
	}
	if pos, err := cfg.PositionFix(); err != nil {
		return err
	} else if pos != nil {
		node.SetPosition(*pos)
	}
	node.AddEventHandler(func(event any) { logEvent(log, event) })

	radio, stopRadio, err := startTransports(cfg, node, log)
	if err != nil {
		return err
	}
	defer stopRadio()

	if err := radio.SetFrequency(meshCfg.Region.PrimaryFrequency()); err != nil {
		log.Warn().Err(err).Msg("Radio rejected region frequency")
	}

	runner := mesh.NewRunner(node, radio, nil, log)
	if mq, ok := findMQTT(radio); ok {
		mq.SetStateHandler(func(e phy.StateEvent) {
			if e != phy.EventRestarted {
				return
			}
			runner.Submit(func(n *mesh.Node) {
				log.Info().Msg("MQTT reconnected, announcing node")
				if _, err := n.SendNodeInfo(); err != nil {
					log.Warn().Err(err).Msg("Failed to queue node info")
				}
			})
		})
	}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		m := metrics.New(metrics.WithRegistry(reg))
		node.AddEventHandler(m.HandleEvent)
		runner.SetObserver(m)
		srv := metrics.NewServer(cfg.Metrics.Address, reg, log)
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	if _, err := node.SendNodeInfo(); err != nil {
		log.Warn().Err(err).Msg("Failed to queue initial node info")
	}
	return runner.Run(ctx)
}

func startTransports(cfg *config.Config, node *mesh.Node, log zerolog.Logger) (phy.Radio, func(), error) {
	var radios []phy.Radio
	var stops []func()
	stopAll := func() {
		for _, stop := range stops {
			stop()
		}
	}

	if cfg.UDP.Enabled {
		udp, err := phy.NewUDP(node.NodeID(), cfg.UDP.Address, log)
		if err != nil {
			return nil, nil, fmt.Errorf("udp transport: %w", err)
		}
		udp.Start()
		radios = append(radios, udp)
		stops = append(stops, udp.Stop)
	}
	if cfg.Mqtt.Enabled {
		mq := phy.NewMQTT(node.NodeID(), cfg.Mqtt.PhyConfig(), node.Config().PrimaryChannel.Name, log)
		for _, ch := range node.Config().SecondaryChannels {
			mq.AddChannel(ch.Name)
		}
		if err := mq.Start(); err != nil {
			stopAll()
			return nil, nil, fmt.Errorf("mqtt transport: %w", err)
		}
		radios = append(radios, mq)
		stops = append(stops, mq.Stop)
	}

	if len(radios) == 1 {
		return radios[0], stopAll, nil
	}
	return phy.NewMulti(radios...), stopAll, nil
}

func findMQTT(radio phy.Radio) (*phy.MQTT, bool) {
	switch r := radio.(type) {
	case *phy.MQTT:
		return r, true
	case *phy.Multi:
		for _, inner := range r.Radios() {
			if mq, ok := inner.(*phy.MQTT); ok {
				return mq, true
			}
		}
	}
	return nil, false
}

func logEvent(log zerolog.Logger, event any) {
	switch evt := event.(type) {
	case *mesh.MessageEvent:
		log.Info().Stringer("from", evt.From).Bool("dm", evt.IsDM()).Str("text", evt.Message).Msg("Text message")
	case *mesh.NodeInfoEvent:
		log.Info().Stringer("from", evt.From).Str("long_name", evt.Info.LongName).Msg("Node info")
	case *mesh.AckTimeoutEvent:
		log.Warn().Uint16("packet_id", evt.PacketID).Stringer("to", evt.Destination).Msg("Packet was not acknowledged")
	case *mesh.TracerouteEvent:
		log.Info().
			Stringer("to", evt.Result.Destination).
			Bool("reached", evt.Result.Reached).
			Str("route", evt.Result.RouteString()).
			Msg("Traceroute finished")
	}
}
