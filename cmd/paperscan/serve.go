package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/paperscan/internal/handler"
	appI18n "github.com/pavelanni/paperscan/internal/i18n"
	"github.com/pavelanni/paperscan/internal/model"
	"github.com/pavelanni/paperscan/internal/store"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the operator HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("upload-dir", "", "Directory for uploaded bundles while they are split")
	f.Int64("max-upload", 512<<20, "Maximum bundle upload size in bytes")
	f.String("admin-password", "", "Password of the initial admin operator (or set PAPERSCAN_ADMIN_PASSWORD)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := seedAdmin(ctx, a.store, a.v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if err := a.store.CleanupExpiredSessions(ctx); err != nil {
		slog.Warn("failed to clean up expired sessions", "error", err)
	}

	h := handler.New(a.svc, a.store, handler.Config{
		MaxUpload: a.v.GetInt64("max-upload"),
		UploadDir: a.v.GetString("upload-dir"),
	})

	lang := a.v.GetString("lang")
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(a.metrics.Middleware)
	r.Use(appI18n.Middleware(lang))
	r.Handle("/metrics", a.metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h.Routes(r)

	addr := a.v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	slog.Info("starting server", "addr", addr, "lang", lang, "db", a.v.GetString("db"),
		"storage", a.v.GetString("storage"))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func seedAdmin(ctx context.Context, db *store.Store, password string) error {
	ops, err := db.ListOperators(ctx)
	if err != nil {
		return err
	}
	if len(ops) > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or PAPERSCAN_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateOperator(ctx, model.Operator{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin operator: %w", err)
	}

	slog.Info("seeded default admin operator", "username", "admin")
	return nil
}

func operatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Manage operators of the HTTP API",
	}

	add := &cobra.Command{
		Use:   "add USERNAME",
		Short: "Create an operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			password := a.v.GetString("password")
			if password == "" {
				return fmt.Errorf("password is required: set --password or PAPERSCAN_PASSWORD")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			display := a.v.GetString("display-name")
			if display == "" {
				display = args[0]
			}
			id, err := a.store.CreateOperator(ctx, model.Operator{
				Username:     args[0],
				DisplayName:  display,
				PasswordHash: string(hash),
				Active:       true,
			})
			if err != nil {
				return fmt.Errorf("create operator: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created operator %s (id %d)\n", args[0], id)
			return nil
		},
	}
	add.Flags().String("password", "", "Operator password")
	add.Flags().String("display-name", "", "Display name (defaults to the username)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List operators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ops, err := a.store.ListOperators(ctx)
			if err != nil {
				return err
			}
			for _, o := range ops {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\tactive=%t\n", o.ID, o.Username, o.DisplayName, o.Active)
			}
			return nil
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}
