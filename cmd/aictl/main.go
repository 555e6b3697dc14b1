// Command aictl runs one-off maintenance tasks against the routing
// service's database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ai_routing/internal/auth"
	"ai_routing/internal/catalog"
	"ai_routing/internal/config"
	"ai_routing/internal/storage"
)

func main() {
	root := &cobra.Command{
		Use:           "aictl",
		Short:         "Maintenance commands for the AI routing service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd(), seedCmd(), genKeyCmd(), tokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func openDB(cfg *config.Config) (*storage.DB, error) {
	return storage.NewDB(storage.DBConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.URL,
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.MigrateUp(cmd.Context()); err != nil {
				return err
			}
			version, err := db.MigrationVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Schema at version %d\n", version)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert the provider catalog",
		Long:  "Upsert the built-in provider catalog, or the entries of a YAML file given with --file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := catalog.DefaultEntries()
			if file != "" {
				var data []byte
				if data, err = os.ReadFile(file); err != nil {
					return err
				}
				entries, err = catalog.ParseEntries(data)
			}
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			svc := catalog.NewService(db.NewProviderRepository(), len(entries), time.Minute)
			result, err := svc.Seed(cmd.Context(), entries)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML catalog file")
	return cmd
}

func genKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-key",
		Short: "Print a new base64 VAULT_MASTER_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := storage.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		tenant     string
		user       string
		workspaces []string
		roles      []string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a tenant token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, r := range roles {
				if !auth.Role(r).IsValid() {
					return fmt.Errorf("unknown role %q", r)
				}
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, expires, err := auth.GenerateJWT(auth.Claims{
				TenantID:   tenant,
				UserID:     user,
				Workspaces: workspaces,
				Roles:      roles,
			}, ttl, cfg.Auth)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"token": token, "expires_at": expires})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID")
	cmd.Flags().StringVar(&user, "user", "cli", "user ID")
	cmd.Flags().StringSliceVar(&workspaces, "workspace", nil, "workspace IDs the token may act on")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleMember.String()}, "roles (admin, member)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
