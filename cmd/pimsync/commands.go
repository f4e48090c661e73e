package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/pimsync/internal/auth"
	"github.com/MarcoPoloResearchLab/pimsync/internal/events"
	"github.com/MarcoPoloResearchLab/pimsync/internal/scheduler"
	"github.com/MarcoPoloResearchLab/pimsync/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSyncCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass: poll every active server, then drain pending events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := openApplication(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			recorder := &scheduler.Recorder{}
			passes, err := app.newScheduler(recorder)
			if err != nil {
				return err
			}
			report, runErr := passes.RunPass(ctx, scheduler.PassOptions{})
			if verbose {
				writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(writer, "MODULE\tEVENT\tOBJECT\tTYPE\tSTATUS\tMESSAGE")
				for _, entry := range recorder.Entries() {
					fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\t%s\n", entry.Connector, entry.EventID, entry.ObjectID, entry.EventType, entry.Status, entry.Message)
				}
				_ = writer.Flush()
			}
			if err := writeJSON(cmd, report); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Print one line per processed event")
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin API and run scheduled passes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := openApplication(signalCtx)
	if err != nil {
		return err
	}
	defer app.Close()
	if err := app.config.RequireAdminSecret(); err != nil {
		return err
	}

	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(app.config.AdminSigningSecret),
		Issuer:        app.config.AdminIssuer,
	})
	if err != nil {
		return err
	}

	progress := server.NewProgressDispatcher()
	passes, err := app.newScheduler(progress)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:   validator,
		Queue:    app.queue,
		Registry: app.registry,
		Passes:   passes,
		Progress: progress,
		Logger:   app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if app.config.SyncInterval > 0 {
		go passes.RunEvery(signalCtx, app.config.SyncInterval, scheduler.PassOptions{})
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newCheckCommand() *cobra.Command {
	var moduleID uint
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report how each module's remote fields map onto local properties",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			modules, err := app.queue.ListModules(cmd.Context())
			if err != nil {
				return err
			}
			failed := false
			for index := range modules {
				module := &modules[index]
				if moduleID != 0 && module.ID != moduleID {
					continue
				}
				mapper, err := app.registry.MapperFor(module)
				if err != nil {
					failed = true
					fmt.Fprintf(cmd.ErrOrStderr(), "module %d (%s): %v\n", module.ID, module.ConnectorName, err)
					continue
				}
				report, err := mapper.Check(module)
				if err != nil {
					failed = true
					fmt.Fprintf(cmd.ErrOrStderr(), "module %d (%s): %v\n", module.ID, module.ConnectorName, err)
					continue
				}
				if err := writeJSON(cmd, report); err != nil {
					return err
				}
			}
			if failed {
				return errors.New("check found unmapped modules")
			}
			return nil
		},
	}
	cmd.Flags().UintVar(&moduleID, "module", 0, "Only check this module id")
	return cmd
}

func newManifestCommand() *cobra.Command {
	manifestCmd := &cobra.Command{
		Use:   "manifest",
		Short: "Manage declared servers and modules",
	}
	var file string
	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Upsert servers, dimension mappings and modules from a YAML manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := events.LoadManifest(file)
			if err != nil {
				return err
			}
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			if err := app.queue.ApplyManifest(cmd.Context(), manifest); err != nil {
				return err
			}
			app.logger.Info("manifest applied", zap.String("file", file), zap.Int("servers", len(manifest.Servers)))
			return nil
		},
	}
	applyCmd.Flags().StringVar(&file, "file", "", "Path to the manifest YAML")
	_ = applyCmd.MarkFlagRequired("file")
	manifestCmd.AddCommand(applyCmd)
	return manifestCmd
}

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage admin API tokens",
	}
	var operator string
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an admin API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := loadConfig()
			if err != nil {
				return err
			}
			if err := appConfig.RequireAdminSecret(); err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AdminSigningSecret),
				Issuer:        appConfig.AdminIssuer,
				TokenTTL:      appConfig.AdminTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(cmd.Context(), operator)
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]any{
				"access_token": token,
				"token_type":   "Bearer",
				"expires_at":   expiresAt.Format(time.RFC3339),
			})
		},
	}
	issueCmd.Flags().StringVar(&operator, "operator", "", "Operator name recorded as the token subject")
	_ = issueCmd.MarkFlagRequired("operator")
	tokenCmd.AddCommand(issueCmd)
	return tokenCmd
}

func writeJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
