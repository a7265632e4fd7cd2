package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/speedrun-hq/paygate/pkg/config"
	"github.com/speedrun-hq/paygate/pkg/models"
	"github.com/speedrun-hq/paygate/pkg/store"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Serve the x402 access and subscription API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(runGateway, true)
		},
	}
}

func relayerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relayer",
		Short: "Submit due subscription charges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(runRelayer, true)
		},
	}
}

func notifierCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notifier",
		Short: "Deliver queued subscriber notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(runNotifier, false)
		},
	}
}

func allCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run the gateway, relayer and notifier in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, g *errgroup.Group, a *app) error {
				if err := runGateway(ctx, g, a); err != nil {
					return err
				}
				if err := runRelayer(ctx, g, a); err != nil {
					return err
				}
				return runNotifier(ctx, g, a)
			}, true)
		},
	}
}

// run builds the app, lets start register its workers plus the health server, and waits for all of them.
func run(start func(ctx context.Context, g *errgroup.Group, a *app) error, withChain bool) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, withChain)
	if err != nil {
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	if err := start(gctx, g, a); err != nil {
		return err
	}
	hs := a.healthServer(withChain)
	g.Go(func() error { return hs.Start(gctx) })

	return g.Wait()
}

func runGateway(ctx context.Context, g *errgroup.Group, a *app) error {
	srv, engine, err := a.newGateway(ctx)
	if err != nil {
		return err
	}
	g.Go(func() error {
		engine.StartSweeper(ctx, a.cfg.Settlement.SweepInterval, a.cfg.Settlement.SweepBatch)
		return nil
	})
	g.Go(func() error { return srv.Start(ctx) })
	return nil
}

func runRelayer(ctx context.Context, g *errgroup.Group, a *app) error {
	engine, err := a.newRelayer()
	if err != nil {
		return err
	}
	g.Go(func() error {
		engine.Start(ctx)
		return nil
	})
	return nil
}

func runNotifier(ctx context.Context, g *errgroup.Group, a *app) error {
	n := a.newNotifier()
	g.Go(func() error {
		n.Start(ctx)
		return nil
	})
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	withMigrator := func(fn func(mg *store.Migrator) error) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		mg, err := store.NewMigrator(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer func() { _ = mg.Close() }()
		return fn(mg)
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(mg *store.Migrator) error {
				changed, err := mg.Up()
				if err != nil {
					return err
				}
				if changed {
					fmt.Println("Migrations applied")
				} else {
					fmt.Println("No change")
				}
				return nil
			})
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(mg *store.Migrator) error {
				if err := mg.Down(steps); err != nil {
					return err
				}
				fmt.Printf("Rolled back %d migration(s)\n", steps)
				return nil
			})
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(mg *store.Migrator) error {
				v, dirty, err := mg.Version()
				if err != nil {
					return err
				}
				fmt.Printf("version %d (dirty: %t)\n", v, dirty)
				return nil
			})
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage gated resources",
	}

	var r models.Resource
	put := &cobra.Command{
		Use:   "put [id]",
		Short: "Create or reprice a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r.ID = args[0]
			if r.Price <= 0 {
				return fmt.Errorf("--price must be greater than 0")
			}
			if r.Payee == "" {
				return fmt.Errorf("--payee is required")
			}

			ctx, cancel := signalContext()
			defer cancel()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			cat, err := a.newCatalog(ctx)
			if err != nil {
				return err
			}
			if err := cat.Put(ctx, &r); err != nil {
				return err
			}
			fmt.Printf("Resource %s priced at %d %s\n", r.ID, r.Price, r.Asset)
			return nil
		},
	}
	put.Flags().StringVar(&r.Title, "title", "", "display title")
	put.Flags().Int64Var(&r.Price, "price", 0, "price in the asset's smallest unit")
	put.Flags().StringVar(&r.Asset, "asset", models.AssetSTX, "asset symbol")
	put.Flags().StringVar(&r.Payee, "payee", "", "address that receives payments")
	put.Flags().StringVar(&r.Contract, "contract", "", "paywall contract overriding PAYWALL_CONTRACT")

	cmd.AddCommand(put)
	return cmd
}

func contactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Manage subscriber notification contacts",
	}

	var unverified bool
	set := &cobra.Command{
		Use:   "set [subscriber] [email]",
		Short: "Set the email notifications are sent to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			c := &models.SubscriberContact{Subscriber: args[0], Email: args[1], Verified: !unverified}
			if err := a.store.UpsertContact(ctx, c); err != nil {
				return err
			}
			fmt.Printf("Contact %s set for %s (verified: %t)\n", c.Email, c.Subscriber, c.Verified)
			return nil
		},
	}
	set.Flags().BoolVar(&unverified, "unverified", false, "store the contact without marking it verified")

	cmd.AddCommand(set)
	return cmd
}
