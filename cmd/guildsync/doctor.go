package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"guildsync/internal/attachment"
	"guildsync/internal/config"
	"guildsync/internal/domain"
	"guildsync/internal/store"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your guildsync installation",
		Long: `Verifies that the configuration, settings database, attachment cache
and credentials are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("guildsync doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'guildsync init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("config is invalid")
			}
			printPass("Config validation", "valid")
			passed++

			ctx := context.Background()
			st, err := store.NewSQLiteStore(cfg.DBPath(), logger)
			if err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				defer st.Close()
				if v, err := store.GetSchemaVersion(st.DB()); err != nil {
					printFail("Database", err.Error())
					failed++
				} else {
					printPass("Database", fmt.Sprintf("%s (schema v%d)", st.Path(), v))
					passed++
				}
			}

			if st != nil {
				endpoint, _, _ := st.Get(ctx, domain.SettingEndpoint)
				token, _, _ := st.Get(ctx, domain.SettingToken)
				if endpoint == "" {
					endpoint = cfg.Server.Endpoint
				}
				if token == "" {
					token = cfg.Server.Token
				}
				switch {
				case endpoint == "":
					printWarn("Credentials", "no endpoint; run 'guildsync login'")
					warned++
				case token == "":
					printWarn("Credentials", "no token for "+endpoint)
					warned++
				default:
					printPass("Credentials", endpoint)
					passed++
				}
				if endpoint != "" {
					if base, err := attachment.MediaBase(endpoint); err != nil {
						printFail("Media endpoint", err.Error())
						failed++
					} else {
						printPass("Media endpoint", base)
						passed++
					}
				}
			}

			if err := checkWritableDir(cfg.AttachmentDir()); err != nil {
				printFail("Attachment cache", err.Error())
				failed++
			} else {
				printPass("Attachment cache", cfg.AttachmentDir())
				passed++
			}

			if cfg.Metrics.Enabled {
				if err := checkListen(cfg.Metrics.Listen); err != nil {
					printWarn("Metrics listen", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
					warned++
				} else {
					printPass("Metrics listen", cfg.Metrics.Listen+" available")
					passed++
				}
			}

			if cfg.General.LogFile != "" {
				dir := filepath.Dir(config.ExpandPath(cfg.General.LogFile))
				if err := os.MkdirAll(dir, 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running guildsync.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nguildsync should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed.\n")
			}
			return nil
		},
	}
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
