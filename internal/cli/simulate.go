package cli

import (
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/neuro-assistant/backend/internal/simulator"
)

var (
	simServer   string
	simToken    string
	simUser     string
	simPattern  string
	simInterval time.Duration
	simCount    int
	simSeed     int64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Stream synthetic headband samples to a running server",
	Long: `simulate pairs as a device and streams four-channel samples.
Pass --token with an existing pairing token, or --user to request one
from the server first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		pattern, err := simulator.ParsePattern(simPattern)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		base := serverURL(cfg, simServer)
		token := simToken
		if token == "" {
			cred, err := requestPairToken(ctx, cfg, base, simUser)
			if err != nil {
				return err
			}
			token = cred.Token
		}

		dev, err := simulator.NewDevice(simulator.Options{
			URL:       "ws" + strings.TrimPrefix(base, "http") + "/ws/device",
			PairToken: token,
			Interval:  simInterval,
			Pattern:   pattern,
			Seed:      simSeed,
			Count:     simCount,
		}, log.Named("simulator"))
		if err != nil {
			return err
		}

		sent, err := dev.Run(ctx)
		log.Infow("simulation finished", "samples", sent)
		return err
	},
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simServer, "server", "", "Server base URL (default from config)")
	f.StringVar(&simToken, "token", "", "Pairing token")
	f.StringVarP(&simUser, "user", "u", "", "Request a pairing token for this user")
	f.StringVar(&simPattern, "pattern", string(simulator.PatternBurst), "Signal pattern: steady, burst, calm, random")
	f.DurationVar(&simInterval, "interval", 100*time.Millisecond, "Time between samples")
	f.IntVar(&simCount, "count", 0, "Stop after this many samples (0 = until interrupted)")
	f.Int64Var(&simSeed, "seed", 0, "Random seed (0 = time based)")
}
