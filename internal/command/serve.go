package command

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/getyourguide/extproc-basicauth/basicauth"
	"github.com/getyourguide/extproc-basicauth/internal/config"
	"github.com/getyourguide/extproc-basicauth/internal/observability"
	"github.com/getyourguide/extproc-basicauth/server"
	"github.com/getyourguide/extproc-basicauth/service"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// flagKeys maps serve flags to configuration keys.
var flagKeys = map[string]string{
	"grpc-network":        "grpc.network",
	"grpc-address":        "grpc.address",
	"admin-address":       "admin.address",
	"echo":                "echo.enabled",
	"echo-address":        "echo.address",
	"log-level":           "log.level",
	"log-format":          "log.format",
	"realm":               "auth.realm",
	"users-file":          "auth.users_file",
	"watch":               "auth.watch",
	"demo-users":          "auth.demo_users",
	"strip-authorization": "auth.strip_authorization",
	"bypass-authority":    "auth.bypass_authorities",
	"tracing-endpoint":    "tracing.endpoint",
}

func serveCommand() *cobra.Command {
	var configFilePath string
	v := config.New()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ext_proc gRPC service",
		Long: "Serves the ext_proc gRPC service Envoy calls for every request, plus an admin listener with\n" +
			"/metrics and /healthz. Flags override EXTPROC_BASICAUTH_* environment variables, which override\n" +
			"the config file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configFilePath)
			if err != nil {
				return err
			}
			logger, err := observability.InitSlog(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return serve(cmd.Context(), cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFilePath, "config", "c", "", "path to the configuration file")
	flags.String("grpc-network", "tcp", "network of the gRPC listener, tcp or unix")
	flags.String("grpc-address", ":8081", "address of the gRPC listener")
	flags.String("admin-address", ":9090", "address of the admin listener, empty to disable")
	flags.Bool("echo", false, "also serve the echo upstream")
	flags.String("echo-address", ":8080", "address of the echo upstream")
	flags.String("log-level", "info", "log level")
	flags.String("log-format", "json", "log format, json or text")
	flags.String("realm", basicauth.DefaultRealm, "realm announced in the WWW-Authenticate challenge")
	flags.String("users-file", "", "path to the users file")
	flags.Bool("watch", true, "reload the users file when it changes")
	flags.Bool("demo-users", false, "serve the built in demo user instead of a users file")
	flags.Bool("strip-authorization", false, "remove the Authorization header from accepted requests")
	flags.StringSlice("bypass-authority", nil, "authority that needs no credentials, can be repeated")
	flags.String("tracing-endpoint", "", "OTLP gRPC endpoint for traces, empty to disable")
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", name, err))
		}
	}
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	log := observability.Logr(logger)

	tp, shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error(err, "failed to flush traces")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := basicauth.NewMetrics(reg)

	auth, watcher, err := newAuthenticator(cfg.Auth, log, metrics)
	if err != nil {
		return err
	}
	authFilter := basicauth.NewFilter(auth,
		basicauth.WithRealm(cfg.Auth.Realm),
		basicauth.WithIdentityHeaders(cfg.Auth.UserHeader, cfg.Auth.RolesHeader),
		basicauth.WithStripAuthorization(cfg.Auth.StripAuthorization),
		basicauth.WithBypassAuthorities(cfg.Auth.BypassAuthorities...),
		basicauth.WithLogger(log.WithName("access")),
		basicauth.WithMetrics(metrics),
	)

	var grpcOpts []grpc.ServerOption
	if cfg.Grpc.MaxConcurrentStreams > 0 {
		grpcOpts = append(grpcOpts, grpc.MaxConcurrentStreams(cfg.Grpc.MaxConcurrentStreams))
	}

	grp, ctx := errgroup.WithContext(ctx)
	opts := []server.Option{
		server.WithGrpcServer(grpc.NewServer(grpcOpts...), cfg.Grpc.Network, cfg.Grpc.Address),
		server.WithLogger(log.WithName("server")),
		server.WithShutdownWait(cfg.ShutdownTimeout),
		server.WithFilters(authFilter),
		server.WithServiceOptions(
			service.WithLogger(log.WithName("extproc")),
			service.WithTracer(tp.Tracer(observability.ServiceName)),
		),
	}
	if cfg.Admin.Address != "" {
		opts = append(opts, server.WithAdmin(cfg.Admin.Address, reg))
	}
	if cfg.Echo.Enabled {
		opts = append(opts, server.WithEchoServerMux(http.NewServeMux(), cfg.Echo.Address))
	}
	srv := server.New(ctx, opts...)

	if watcher != nil {
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		grp.Go(func() error {
			<-ctx.Done()
			return watcher.Stop()
		})
	}
	grp.Go(srv.Serve)

	log.Info("serving", "users", auth.Users().Len(), "realm", cfg.Auth.Realm, "version", version())
	return grp.Wait()
}

func newAuthenticator(cfg config.AuthConfig, log logr.Logger, metrics *basicauth.Metrics) (*basicauth.Authenticator, *basicauth.Watcher, error) {
	auth := basicauth.NewAuthenticator(nil,
		basicauth.WithVerificationCache(cfg.Cache.MaxBytes, cfg.Cache.TTL),
		basicauth.WithAuthenticatorMetrics(metrics),
	)
	if cfg.DemoUsers {
		log.Info("serving the demo user table, do not use in production")
		auth.SetUsers(basicauth.DemoUsers())
		return auth, nil, nil
	}

	watcher, err := basicauth.NewWatcher(cfg.UsersFile, auth,
		basicauth.WithWatcherLogger(log.WithName("users")),
		basicauth.WithWatcherMetrics(metrics),
	)
	if err != nil {
		return nil, nil, err
	}
	// the first load must succeed, later failures keep the table in place
	if err := watcher.Reload(); err != nil {
		return nil, nil, err
	}
	if !cfg.Watch {
		return auth, nil, nil
	}
	return auth, watcher, nil
}
