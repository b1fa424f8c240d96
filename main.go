package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/9qeklajc/nmcpparrot/src/conversation"
	"github.com/9qeklajc/nmcpparrot/src/keypair"
	"github.com/9qeklajc/nmcpparrot/src/logging"
	"github.com/9qeklajc/nmcpparrot/src/memory"
	"github.com/9qeklajc/nmcpparrot/src/relay"
)

var (
	pool   *relay.Pool
	engine *conversation.Engine
	store  *memory.Store
	target string
)

var rootCmd = &cobra.Command{
	Use:   "nmcpparrot",
	Short: "private one-on-one messaging and agent memory over public relays",
	Long: `nmcpparrot sends and receives end-to-end encrypted direct messages
over public relays, and reuses the same encrypted channel as a durable
key-value memory for agents: records are messages the identity sends to
itself, so any device holding the key can rebuild the state from the
relay history alone.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Debug(viper.GetBool("debug"))
		return nil
	},
	SilenceUsage: true,
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "generate a new identity and print its keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := keypair.New()
		if err != nil {
			return err
		}
		fmt.Printf("Public key:  %s\nPrivate key: %s\n\nStart with:\n\n  nmcpparrot --nsec '%s' --target <their npub> wait\n\n",
			keys.Npub(), keys.Nsec(), keys.Nsec())
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "send a private message to the target, from the argument or stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := setup(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer pool.Close()

		var content string
		if len(args) > 0 {
			content = strings.Join(args, " ")
		} else {
			b, err2 := io.ReadAll(os.Stdin)
			if err2 != nil {
				return err2
			}
			content = string(b)
		}
		if err = engine.Send(ctx, target, content); err != nil {
			return err
		}
		logging.Log.Info("message sent")
		return nil
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "wait for one message from the target and print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := setup(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer pool.Close()

		msg, err := engine.ReceiveNext(ctx, target, viper.GetDuration("timeout"))
		if err != nil {
			return err
		}
		fmt.Println(msg.Content)
		return nil
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "print every message from the target until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := setup(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer pool.Close()

		err = engine.ReceiveStream(ctx, target, func(m conversation.Message) {
			fmt.Println(m.Content)
		})
		if err == context.Canceled {
			err = nil
		}
		return err
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "expose send/wait/memory as a local REST API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := setup(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer pool.Close()

		api := httpAPI{Engine: engine, Store: store, Target: target}
		return api.Run(ctx, viper.GetString("port"))
	},
}

// setup reads the configuration and brings up the identity, the relay
// pool, the engine, and the memory store. A bad key is fatal here,
// before any network activity.
func setup(parent context.Context, requireTarget bool) (ctx context.Context, err error) {
	ctx, _ = signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)

	keys, err := keypair.FromSecret(viper.GetString("nsec"))
	if err != nil {
		return
	}
	logging.Log.Infof("identity: %s", keys.Npub())

	target = ""
	if raw := viper.GetString("target"); raw != "" {
		if target, err = keypair.ParsePublicKey(raw); err != nil {
			return
		}
	}
	if requireTarget && target == "" {
		err = fmt.Errorf("no target set (use --target or TARGET_PUBKEY)")
		return
	}

	relays := viper.GetStringSlice("relay")
	if pool, err = relay.Connect(ctx, relays...); err != nil {
		return
	}
	engine = conversation.New(keys, pool)
	store = memory.New(engine)
	return
}

func main() {
	rootCmd.PersistentFlags().String("nsec", "", "secret key (nsec or hex)")
	rootCmd.PersistentFlags().String("target", "", "public key of the peer (npub or hex)")
	rootCmd.PersistentFlags().StringSlice("relay", []string{"wss://relay.damus.io"}, "relay URLs")
	rootCmd.PersistentFlags().Bool("debug", false, "turn on debug logging")
	waitCmd.Flags().Duration("timeout", 5*time.Minute, "how long to wait before giving up")
	serveCmd.Flags().String("port", "8077", "port for the REST API")

	viper.BindPFlag("nsec", rootCmd.PersistentFlags().Lookup("nsec"))
	viper.BindPFlag("target", rootCmd.PersistentFlags().Lookup("target"))
	viper.BindPFlag("relay", rootCmd.PersistentFlags().Lookup("relay"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("timeout", waitCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	viper.BindEnv("nsec", "NSEC")
	viper.BindEnv("target", "TARGET_PUBKEY")
	viper.BindEnv("relay", "RELAY_URL")

	rootCmd.AddCommand(generateCmd, sendCmd, waitCmd, listenCmd, serveCmd)
	if err := rootCmd.Execute(); err != nil {
		logging.Log.Error(err)
		os.Exit(1)
	}
}
