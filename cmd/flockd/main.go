package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/melihxz/flock/internal/backend"
	"github.com/melihxz/flock/internal/bootstrap"
	"github.com/melihxz/flock/internal/centralized"
	"github.com/melihxz/flock/internal/config"
	"github.com/melihxz/flock/internal/log"
	"github.com/melihxz/flock/internal/provider"
	"github.com/melihxz/flock/internal/swim"
	"github.com/melihxz/flock/internal/transport"
	"github.com/melihxz/flock/internal/view"
	"github.com/melihxz/flock/pkg/client"
	"github.com/spf13/cobra"
)

var configPath string

var (
	rootCmd = &cobra.Command{
		Use:   "flockd",
		Short: "flock group membership agent",
		Long:  "A SWIM-based (or centralized) group membership service for RPC-capable processes",
	}

	agentCmd = &cobra.Command{
		Use:   "agent",
		Short: "Run a flock group membership agent",
		RunE:  runAgent,
	}

	joinCmd = &cobra.Command{
		Use:   "join [address] [provider-id]",
		Short: "Start an agent that joins an existing group through address",
		Args:  cobra.ExactArgs(2),
		RunE:  runJoin,
	}

	leaveCmd = &cobra.Command{
		Use:   "leave",
		Short: "Print how to make a running agent leave the group",
		RunE:  runLeave,
	}

	statusCmd = &cobra.Command{
		Use:   "status [address] [provider-id]",
		Short: "Print the view a provider currently reports",
		Args:  cobra.ExactArgs(2),
		RunE:  runStatus,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the agent config file")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(leaveCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func factoryFor(backendType string, tr transport.Transport, logger *log.Logger) (backend.Factory, error) {
	switch backendType {
	case "", "swim":
		return swim.NewFactory(tr, logger), nil
	case "centralized":
		return centralized.NewFactory(tr, logger), nil
	default:
		return nil, fmt.Errorf("flockd: unknown backend type %q", backendType)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(slog.LevelInfo)
	self := view.Key{Address: cfg.Network.PublicAddr, ProviderID: cfg.Network.ProviderID}

	tr, err := transport.NewQUICTransport(cfg.Network.ListenAddr, logger)
	if err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	defer tr.Close()

	initialView, err := bootstrap.Resolve(cfg.Group, self)
	if err != nil {
		return fmt.Errorf("resolving bootstrap view: %w", err)
	}

	factory, err := factoryFor(cfg.Group.Type, tr, logger)
	if err != nil {
		return err
	}

	p, err := provider.New(factory, backend.InitArgs{
		Config:      cfg.Group.Config,
		InitialView: initialView,
		Join:        cfg.Group.Bootstrap == config.BootstrapJoin,
	}, self, tr, logger)
	if err != nil {
		return fmt.Errorf("starting provider: %w", err)
	}

	logger.Info("agent started", "address", self.Address, "provider_id", self.ProviderID, "backend", cfg.Group.Type)

	p.AddObserver(func(kind backend.UpdateKind, address string, providerID uint16) {
		logger.Info("membership update", "kind", kind.String(), "address", address, "provider_id", providerID)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	return p.Destroy()
}

func runJoin(cmd *cobra.Command, args []string) error {
	address := args[0]
	providerID, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid provider id: %w", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(slog.LevelInfo)
	self := view.Key{Address: cfg.Network.PublicAddr, ProviderID: cfg.Network.ProviderID}

	tr, err := transport.NewQUICTransport(cfg.Network.ListenAddr, logger)
	if err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := client.New(tr)
	handle, err := c.Join(ctx, address, uint16(providerID))
	if err != nil {
		return fmt.Errorf("fetching initial view from %s: %w", address, err)
	}

	factory, err := factoryFor(cfg.Group.Type, tr, logger)
	if err != nil {
		return err
	}

	p, err := provider.New(factory, backend.InitArgs{
		Config:      cfg.Group.Config,
		InitialView: handle.View(),
		Join:        true,
	}, self, tr, logger)
	if err != nil {
		return fmt.Errorf("starting provider: %w", err)
	}

	logger.Info("joined group", "via", address, "address", self.Address)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	return p.Destroy()
}

func runLeave(cmd *cobra.Command, args []string) error {
	// A standalone "leave" invocation has no handle on a running agent's
	// in-process engine; departure is normally driven by that agent's own
	// shutdown path (Provider.Destroy -> Engine.Destroy), which announces
	// LEAVE/sends the leave RPC itself. This command exists for operators
	// who want to trigger that shutdown remotely once such a control path
	// is wired up.
	fmt.Println("Send SIGTERM to the running agent process to leave the group cleanly.")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	address := args[0]
	providerID, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid provider id: %w", err)
	}

	logger := log.New(slog.LevelError)

	tr, err := transport.NewQUICTransport("127.0.0.1:0", logger)
	if err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := client.New(tr)
	handle, err := c.Join(ctx, address, uint16(providerID))
	if err != nil {
		return fmt.Errorf("fetching view from %s: %w", address, err)
	}

	v := handle.View()
	fmt.Printf("digest: %x\n", handle.Digest())
	fmt.Printf("members (%d):\n", v.Len())
	for _, k := range v.Keys() {
		fmt.Printf("  %s (provider %d)\n", k.Address, k.ProviderID)
	}
	return nil
}
