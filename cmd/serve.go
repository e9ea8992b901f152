package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/sessionrelay/pkg/backend"
	"github.com/lkarlslund/sessionrelay/pkg/completion"
	"github.com/lkarlslund/sessionrelay/pkg/config"
	"github.com/lkarlslund/sessionrelay/pkg/logstore"
	"github.com/lkarlslund/sessionrelay/pkg/logutil"
	"github.com/lkarlslund/sessionrelay/pkg/pool"
	"github.com/lkarlslund/sessionrelay/pkg/prompt"
	"github.com/lkarlslund/sessionrelay/pkg/proxy"
	"github.com/lkarlslund/sessionrelay/pkg/session"
	"github.com/lkarlslund/sessionrelay/pkg/version"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
	serveCookieFile         string
	serveEnvFile            string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(serveEnvFile); err != nil {
				return fmt.Errorf("load env file: %w", err)
			}
			cfg, created, err := config.LoadOrCreateServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s. Add cookies with `sessionrelay cookies import` or run `sessionrelay config`.\n", serveConfigPath)
			}
			envChanged := config.ApplyEnv(cfg)
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return err
			}
			if !cmd.Flags().Changed("loglevel") {
				if err := logutil.Configure(cfg.LogLevel); err != nil {
					return err
				}
			}

			logs := logstore.NewStore(cfg.Logs.MaxLines)
			logutil.SetOutputTee(logs.Writer())
			log.Info("starting", "version", version.String(), "config", serveConfigPath)

			store := config.NewServerConfigStore(serveConfigPath, cfg)
			if envChanged {
				// Environment overrides are saved with the rest of the config.
				if err := store.Update(func(*config.ServerConfig) error { return nil }); err != nil {
					return fmt.Errorf("save config: %w", err)
				}
			}
			p := pool.New(store)
			if serveCookieFile != "" {
				added, err := p.ImportFile(serveCookieFile)
				if err != nil {
					return err
				}
				log.Info("imported cookies", "file", serveCookieFile, "added", added)
			}
			if p.IsEmpty() {
				log.Warn("no usable cookies configured; completions will fail until cookies are added")
			}

			client, err := backend.NewClient(backend.Options{
				Endpoint:           cfg.Endpoint(),
				CompletionEndpoint: cfg.CompletionEndpoint(),
				Proxy:              cfg.Proxy,
				Timeout:            cfg.Timeout(),
				SkipRestricted:     cfg.Settings.SkipRestricted,
			})
			if err != nil {
				return fmt.Errorf("create backend client: %w", err)
			}

			padding, err := loadPadding(cfg)
			if err != nil {
				return err
			}
			svc := completion.New(completion.Options{
				Store:   store,
				Pool:    p,
				Client:  client,
				State:   session.NewState(),
				Padding: padding,
			})
			srv := proxy.NewServer(proxy.Options{Store: store, Service: svc, Pool: p, Logs: logs})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8484)")
	serveCmd.Flags().StringVar(&serveCookieFile, "cookie-file", "", "Import cookies from this file (one per line) before serving")
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", ".env", "Environment file with SESSIONRELAY_* overrides")
	rootCmd.AddCommand(serveCmd)
}

// loadPadding returns nil when no corpus is configured; requests are then
// sent without filler text. A configured corpus that cannot be used is fatal.
func loadPadding(cfg *config.ServerConfig) (*prompt.Padding, error) {
	path := cfg.PadTextPath(serveConfigPath)
	if path == "" {
		return nil, nil
	}
	tokens, err := config.LoadPadTokens(path)
	if err != nil {
		return nil, fmt.Errorf("load padding corpus: %w", err)
	}
	padding, err := prompt.NewPadding(tokens, cfg.PadTextLen)
	if err != nil {
		return nil, fmt.Errorf("load padding corpus: %w", err)
	}
	log.Info("padding corpus loaded", "path", path, "tokens", len(tokens), "target", cfg.PadTextLen)
	return padding, nil
}
