// Package cli is chactl, the terminal client for guests and admins.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/DoyleJ11/cha-panelas/internal/api"
	"github.com/DoyleJ11/cha-panelas/internal/guestid"
	"github.com/DoyleJ11/cha-panelas/internal/logging"
	"github.com/DoyleJ11/cha-panelas/internal/reservation"
	"github.com/DoyleJ11/cha-panelas/internal/stream"
	"github.com/DoyleJ11/cha-panelas/internal/types"
)

type app struct {
	v      *viper.Viper
	log    *zap.Logger
	client *api.Client
}

// Execute runs chactl with os.Args.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "chactl",
		Short: "Guest and admin client for the chá de panelas RSVP server",
		Long: `chactl confirms presence, lists and reserves items, and lets the hosts
moderate the guest list. Flags can also be set as CHACTL_* environment
variables, e.g. CHACTL_SERVER or CHACTL_SECRET.`,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return a.init() },
		PersistentPostRun: func(cmd *cobra.Command, args []string) { _ = a.log.Sync() },
	}

	fs := root.PersistentFlags()
	fs.String("server", "http://localhost:8080/api", "API base URL")
	fs.String("data", defaultDataPath(), "file that remembers the guest id")
	fs.String("secret", "", "admin secret")
	fs.String("transport", "sse", "push transport: sse or ws")
	fs.String("log-level", "warn", "log level")
	bindFlags(a.v, fs)

	root.AddCommand(a.rsvpCmd(), a.itemsCmd(), a.claimCmd(), a.watchCmd(), a.adminCmd())
	return root
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	v.SetEnvPrefix("CHACTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	fs.VisitAll(func(f *pflag.Flag) { _ = v.BindPFlag(f.Name, f) })
}

func defaultDataPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "chactl", "session.db")
}

func (a *app) init() error {
	switch t := a.v.GetString("transport"); t {
	case "sse", "ws":
	default:
		return fmt.Errorf("unknown transport %q, want sse or ws", t)
	}
	log, err := logging.New(a.v.GetString("log-level"), true)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	a.log = log
	a.client = api.New(a.v.GetString("server"), nil)
	return nil
}

func (a *app) transport() stream.Transport {
	sse, ws := stream.Endpoints(a.client.BaseURL())
	// The push connection is long-lived, so it gets a client without the
	// API timeout.
	hc := &http.Client{}
	if a.v.GetString("transport") == "ws" {
		return stream.WebSocket{URL: ws, Client: hc}
	}
	return stream.SSE{URL: sse, Client: hc}
}

// reservation opens the guest id file and starts a store resumed from it.
// The returned func closes both.
func (a *app) reservation(ctx context.Context, o reservation.Options) (*reservation.Store, func(), error) {
	ids, err := guestid.Open(a.v.GetString("data"), a.client.BaseURL())
	if err != nil {
		return nil, nil, err
	}
	o.IDs = ids
	o.Logger = a.log
	s := reservation.New(ctx, a.client, o)
	return s, func() {
		s.Close()
		if err := ids.Close(); err != nil {
			a.log.Warn("close guest id file", zap.Error(err))
		}
	}, nil
}

// watch holds the push channel open until ctx ends.
func (a *app) watch(ctx context.Context, onEvent func(types.PushMessage), onStatus func(stream.ConnectionState)) {
	ch := stream.New(ctx, a.transport(), stream.Options{
		Logger:   a.log,
		OnEvent:  onEvent,
		OnStatus: onStatus,
	})
	ch.Open()
	<-ch.Done()
}
