// Starts an http server to respond to ActivityPub requests.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tkrehbiel/activitypress/server"
	"github.com/tkrehbiel/activitypress/server/activity"
	"github.com/tkrehbiel/activitypress/server/page"
	"github.com/tkrehbiel/activitypress/server/telemetry"
)

var (
	configFile string
	verbose    bool
)

func readConfig(filename string) (server.Config, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return server.Config{}, fmt.Errorf("opening config [%s]: %w", filename, err)
	}
	cfg, err := server.ReadConfig(b)
	if err != nil {
		return server.Config{}, fmt.Errorf("parsing config [%s]: %w", filename, err)
	}
	return cfg, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "activitypress",
		Short: "ActivityPub federation for a blog",
		Long: `activitypress federates a blog's posts and comments to the fediverse,
and receives follows, replies and deletes from remote servers.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			telemetry.SetLogger(telemetry.NewLogger(verbose))
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.json", "config json file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable trace logging")

	rootCmd.AddCommand(
		serveCmd(),
		keysCmd(),
		dispatchCmd(),
	)

	err := rootCmd.Execute()
	telemetry.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		host     string
		port     int
		pubCert  string
		privCert string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ActivityPub server",
		RunE: func(cmd *cobra.Command, args []string) error {
			telemetry.Log("starting activitypress")

			cfg, err := readConfig(configFile)
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.HostName = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if pubCert != "" {
				cfg.Server.Certificate = pubCert
			}
			if privCert != "" {
				cfg.Server.PrivateKey = privCert
			}

			svc, err := server.NewService(cfg)
			if err != nil {
				return err
			}

			// Wait for ^C
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc.Start(ctx)
			<-ctx.Done()
			telemetry.Log("stopping activitypress")

			// Shut down the service
			shutdown, cancel := context.WithTimeout(context.Background(), time.Second*60)
			defer cancel()
			if err := svc.Stop(shutdown); err != nil {
				return fmt.Errorf("stopping: %w", err)
			}
			telemetry.Log("stopped activitypress cleanly")
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "this hostname")
	cmd.Flags().IntVar(&port, "port", 0, "listen port")
	cmd.Flags().StringVar(&pubCert, "cert", "", "public certificate")
	cmd.Flags().StringVar(&privCert, "key", "", "private key")
	return cmd
}

func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys [user]",
		Short: "Print the public key of a user, or of the application actor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner := page.ApplicationName
			if len(args) == 1 {
				owner = args[0]
			}
			cfg, err := readConfig(configFile)
			if err != nil {
				return err
			}
			svc, err := server.NewService(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			pub, err := svc.PublicKey(cmd.Context(), owner)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), pub)
			return nil
		},
	}
}

func dispatchCmd() *cobra.Command {
	var (
		kind      string
		verb      string
		permalink string
	)

	cmd := &cobra.Command{
		Use:   "dispatch [snapshot.json]",
		Short: "Federate a post or comment event described by a JSON snapshot",
		Long: `Reads a post or comment snapshot (from a file, or stdin when omitted or "-")
and delivers the Create, Update or Delete activity to followers and mentioned actors.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			snapshot, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("reading snapshot: %w", err)
			}

			cfg, err := readConfig(configFile)
			if err != nil {
				return err
			}
			svc, err := server.NewService(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			svc.RunTasks(ctx)

			if err := dispatch(ctx, svc.Dispatcher(), kind, verb, permalink, snapshot); err != nil {
				return err
			}
			svc.FlushTasks()
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "post", "post or comment")
	cmd.Flags().StringVar(&verb, "verb", activity.CreateType, "Create, Update or Delete")
	cmd.Flags().StringVar(&permalink, "permalink", "", "id to federate a deleted post under")
	return cmd
}

func dispatch(ctx context.Context, d *server.Dispatcher, kind, verb, permalink string, snapshot []byte) error {
	switch kind {
	case "post":
		var post activity.PostSnapshot
		if err := json.Unmarshal(snapshot, &post); err != nil {
			return fmt.Errorf("parsing post snapshot: %w", err)
		}
		switch verb {
		case activity.CreateType:
			return d.PublishPost(ctx, post)
		case activity.UpdateType:
			return d.UpdatePost(ctx, post)
		case activity.DeleteType:
			return d.DeletePost(ctx, post, permalink)
		}
	case "comment":
		var comment activity.CommentSnapshot
		if err := json.Unmarshal(snapshot, &comment); err != nil {
			return fmt.Errorf("parsing comment snapshot: %w", err)
		}
		switch verb {
		case activity.CreateType:
			return d.PublishComment(ctx, comment)
		case activity.UpdateType:
			return d.UpdateComment(ctx, comment)
		case activity.DeleteType:
			return d.DeleteComment(ctx, comment)
		}
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
	return fmt.Errorf("%w: %q", activity.ErrUnknownVerb, verb)
}
