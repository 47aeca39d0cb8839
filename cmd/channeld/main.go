package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ZentaChain/zentalk-channels/pkg/api"
	"github.com/ZentaChain/zentalk-channels/pkg/config"
	"github.com/ZentaChain/zentalk-channels/pkg/crypto"
	"github.com/ZentaChain/zentalk-channels/pkg/logging"
	"github.com/ZentaChain/zentalk-channels/pkg/network"
	"github.com/ZentaChain/zentalk-channels/pkg/p2p"
	"github.com/ZentaChain/zentalk-channels/pkg/storage"
)

var rootCmd = &cobra.Command{
	Use:           "channeld",
	Short:         "Encrypted channel server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the channel server",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadServer(path)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the server RSA key",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		bits, _ := cmd.Flags().GetInt("bits")
		force, _ := cmd.Flags().GetBool("force")

		if _, err := os.Stat(out); err == nil && !force {
			return fmt.Errorf("%s already exists, use --force to overwrite", out)
		}
		key, err := crypto.GenerateRSAKeyPair(bits)
		if err != nil {
			return err
		}
		if err := writeKey(out, key); err != nil {
			return err
		}
		der, err := crypto.ExportPublicKeyDER(&key.PublicKey)
		if err != nil {
			return err
		}
		fp := crypto.Fingerprint(der)
		fmt.Printf("key written to %s\nfingerprint %s\n", out, fp)
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "path to channeld.toml")
	keygenCmd.Flags().String("out", "channeld.pem", "output PEM file")
	keygenCmd.Flags().Int("bits", crypto.DefaultRSABits, "RSA key size")
	keygenCmd.Flags().Bool("force", false, "overwrite an existing key")
	rootCmd.AddCommand(serveCmd, keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config.Server) error {
	log := logging.New("channeld", cfg.Log)

	key, err := loadOrGenerateKey(cfg.KeyFile, log)
	if err != nil {
		return fmt.Errorf("failed to load key: %w", err)
	}
	addr, err := config.ResolveListen(cfg.Listen)
	if err != nil {
		return err
	}

	srv, err := network.NewServer(network.ServerConfig{
		Addr:             addr,
		Key:              key,
		Algorithm:        cfg.Algorithm,
		AccessKey:        []byte(cfg.AccessKey),
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		MaxFrameSize:     cfg.MaxFrameSize,
		Logger:           log,
	})
	if err != nil {
		return err
	}

	if cfg.ChannelDB != "" {
		store, err := storage.NewChannelStore(cfg.ChannelDB)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := srv.AttachChannelStore(store); err != nil {
			return err
		}
	}

	for _, spec := range cfg.Channels {
		ch := srv.Channel(spec.Name)
		if ch == nil {
			if ch, err = srv.CreateChannel(spec.Name); err != nil {
				return err
			}
		}
		if spec.Publish {
			if err := ch.Publish(); err != nil {
				return err
			}
		}
	}

	if err := srv.Start(); err != nil {
		return err
	}

	if cfg.P2P.Enabled {
		node, err := startNode(ctx, cfg.P2P, log)
		if err != nil {
			srv.Stop()
			return err
		}
		defer node.Close()
		node.Serve(srv)
		node.Advertise()
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.AdminListen != "" {
		acfg := api.DefaultConfig()
		acfg.Listen = cfg.AdminListen
		acfg.Token = cfg.AdminToken
		admin := api.NewServer(srv, acfg, log)
		g.Go(func() error { return admin.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		return srv.Stop()
	})

	stats := srv.Stats()
	log.Info().
		Str("listen", srv.Addr().String()).
		Str("fingerprint", stats.KeyFingerprint).
		Bool("access_key", stats.AccessKey).
		Int("channels", stats.Channels).
		Msg("channeld ready")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func startNode(ctx context.Context, cfg config.P2P, log zerolog.Logger) (*p2p.Node, error) {
	pcfg := p2p.Config{
		ListenAddrs:    cfg.ListenAddrs,
		BootstrapPeers: cfg.BootstrapPeers,
		Rendezvous:     cfg.Rendezvous,
		Logger:         log,
	}
	if cfg.IdentityFile != "" {
		priv, err := p2p.LoadOrCreateIdentity(cfg.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load p2p identity: %w", err)
		}
		pcfg.PrivateKey = priv
	}
	return p2p.NewNode(ctx, pcfg)
}

func loadOrGenerateKey(path string, log zerolog.Logger) (*rsa.PrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		return crypto.LoadPrivateKeyFile(path)
	}

	log.Info().Str("path", path).Msg("generating server key")
	key, err := crypto.GenerateRSAKeyPair(0)
	if err != nil {
		return nil, err
	}
	if err := writeKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

func writeKey(path string, key *rsa.PrivateKey) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return crypto.SaveKeyToFile(path, crypto.ExportPrivateKeyPEM(key))
}
