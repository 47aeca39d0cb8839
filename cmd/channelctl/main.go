package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-channels/pkg/config"
	"github.com/ZentaChain/zentalk-channels/pkg/events"
	"github.com/ZentaChain/zentalk-channels/pkg/logging"
	"github.com/ZentaChain/zentalk-channels/pkg/network"
	"github.com/ZentaChain/zentalk-channels/pkg/p2p"
	"github.com/ZentaChain/zentalk-channels/pkg/protocol"
)

// textMessageID is the application id used for plain text messages
const textMessageID int64 = 1000

var rootCmd = &cobra.Command{
	Use:           "channelctl",
	Short:         "Channel server client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List channels offered by the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")
		return withServer(cmd, func(ctx context.Context, rs *network.RemoteServer) error {
			// The server stays silent when it has nothing to offer, so
			// replies are collected for a fixed window.
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			case <-rs.Done():
				return rs.Err()
			}
			seen := make(map[string]bool)
			for _, name := range append(rs.AvailableChannels(), rs.JoinableChannels()...) {
				if key := strings.ToLower(name); !seen[key] {
					seen[key] = true
					fmt.Println(name)
				}
			}
			return nil
		})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join channels and print their traffic",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, _ := cmd.Flags().GetStringSlice("channel")
		if len(names) == 0 {
			return errors.New("at least one --channel is required")
		}
		return withServer(cmd, func(ctx context.Context, rs *network.RemoteServer) error {
			for _, name := range names {
				vc, err := rs.JoinChannel(ctx, name)
				if err != nil {
					return fmt.Errorf("join %s: %w", name, err)
				}
				fmt.Printf("joined %s\n", vc.Name())
			}

			select {
			case <-ctx.Done():
				return nil
			case <-rs.Done():
				return rs.Err()
			}
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a text message to a channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("channel")
		text, _ := cmd.Flags().GetString("text")
		id, _ := cmd.Flags().GetInt64("id")
		if name == "" {
			return errors.New("--channel is required")
		}
		if protocol.IsOpcode(id) {
			return fmt.Errorf("message id %d is reserved", id)
		}
		return withServer(cmd, func(ctx context.Context, rs *network.RemoteServer) error {
			vc, err := rs.JoinChannel(ctx, name)
			if err != nil {
				return err
			}
			msg, err := protocol.NewBuilder().WriteUTF(text).Build(id)
			if err != nil {
				return err
			}
			return vc.Write(msg)
		})
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "path to channelctl.toml")
	pf.String("server", "", "server address, overrides the config")
	pf.String("access-key", "", "access key, overrides the config")

	joinCmd.Flags().StringSlice("channel", nil, "channel to join, repeatable")
	channelsCmd.Flags().Duration("wait", time.Second, "time to collect channel offers")
	sendCmd.Flags().String("channel", "", "channel to send to")
	sendCmd.Flags().String("text", "", "message text")
	sendCmd.Flags().Int64("id", textMessageID, "application message id")

	rootCmd.AddCommand(channelsCmd, joinCmd, sendCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Client, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadClient(path)
	if err != nil {
		return cfg, err
	}
	if v, _ := cmd.Flags().GetString("server"); v != "" {
		cfg.Server = v
		cfg.P2P.Enabled = false
	}
	if v, _ := cmd.Flags().GetString("access-key"); v != "" {
		cfg.AccessKey = v
	}
	return cfg, nil
}

// withServer connects, runs fn, then closes the connection
func withServer(cmd *cobra.Command, fn func(ctx context.Context, rs *network.RemoteServer) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logging.New("channelctl", cfg.Log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ccfg := network.DefaultClientConfig()
	ccfg.Algorithm = cfg.Algorithm
	ccfg.AccessKey = []byte(cfg.AccessKey)
	ccfg.HandshakeTimeout = cfg.HandshakeTimeout
	ccfg.Logger = log
	client := network.NewClient(ccfg)
	defer client.Close()

	events.On(client.Events(), func(e *network.ChannelReceive) {
		printMessage(e.Channel.Name(), e.Message)
	})

	var rs *network.RemoteServer
	if cfg.P2P.Enabled {
		node, err := p2p.NewNode(ctx, p2p.Config{
			ListenAddrs:    cfg.P2P.ListenAddrs,
			BootstrapPeers: cfg.P2P.BootstrapPeers,
			Rendezvous:     cfg.P2P.Rendezvous,
			Logger:         log,
		})
		if err != nil {
			return err
		}
		defer node.Close()
		rs, err = dialPeer(ctx, node, client, log)
		if err != nil {
			return err
		}
	} else {
		rs, err = client.DialWithRetry(ctx, cfg.Server, network.RetryConfig{
			MaxAttempts: cfg.Retry.Attempts,
			MinInterval: cfg.Retry.Min,
			MaxInterval: cfg.Retry.Max,
		})
		if err != nil {
			return err
		}
	}
	defer rs.Close()

	log.Debug().Str("server", rs.RemoteAddr()).Str("id", rs.ID()).Msg("connected")
	return fn(ctx, rs)
}

// dialPeer connects to the first discovered server that completes the
// handshake
func dialPeer(ctx context.Context, node *p2p.Node, client *network.Client, log zerolog.Logger) (*network.RemoteServer, error) {
	peers, err := node.FindServers(ctx, 5)
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, errors.New("no channel servers found")
	}

	var errs []error
	for _, info := range peers {
		node.Host().Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
		rs, err := node.Dial(ctx, client, info.ID)
		if err == nil {
			if err = rs.WaitReady(ctx); err == nil {
				return rs, nil
			}
			rs.Close()
		}
		log.Warn().Err(err).Str("peer", info.ID.String()).Msg("server unreachable")
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func printMessage(channel string, msg *protocol.Message) {
	texts := msg.Reader().UTFs()
	if len(texts) == 0 {
		fmt.Printf("[%s] #%d %d bytes\n", channel, msg.TypeID(), msg.Size())
		return
	}
	fmt.Printf("[%s] #%d %s\n", channel, msg.TypeID(), strings.Join(texts, " "))
}
