package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pavelanni/paperscan/internal/bundle"
	appI18n "github.com/pavelanni/paperscan/internal/i18n"
	"github.com/pavelanni/paperscan/internal/metrics"
	"github.com/pavelanni/paperscan/internal/model"
	"github.com/pavelanni/paperscan/internal/scan"
	"github.com/pavelanni/paperscan/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "paperscan",
		Short:        "Scan ingestion and page identification for paper assessments",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.String("db", "paperscan.db", "SQLite database path")
	pf.String("storage", "fs", "Page image storage backend (fs, minio)")
	pf.String("storage-dir", "pages", "Directory for the fs storage backend")
	pf.String("minio-endpoint", "localhost:9000", "MinIO endpoint")
	pf.String("minio-access-key", "", "MinIO access key")
	pf.String("minio-secret-key", "", "MinIO secret key")
	pf.String("minio-bucket", "paperscan", "MinIO bucket")
	pf.Bool("minio-secure", false, "Use TLS for MinIO")
	pf.Int("workers", 0, "Parallel page extraction workers (0 = GOMAXPROCS)")
	pf.String("operator", "", "Operator name recorded on changes (defaults to $USER)")
	pf.StringP("lang", "l", "en", "Language for reason messages (en, ru)")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "text", "Log format (text, json)")
	pf.String("log-file", "", "Write logs to a rotating file instead of stderr")
	pf.Int("log-max-size", 50, "Maximum log file size in megabytes before rotation")
	pf.Int("log-max-backups", 5, "Rotated log files to keep")
	pf.Int("log-max-age", 30, "Days to keep rotated log files")

	root.AddCommand(
		prepareCmd(),
		ingestCmd(),
		statusCmd(),
		pushCmd(),
		discardCmd(),
		rotateCmd(),
		resolveCmd(),
		assignCmd(),
		extraCmd(),
		lockCmd(),
		reclassifyCmd(),
		reassembleCmd(),
		serveCmd(),
		operatorCmd(),
	)
	return root
}

// setupLogging configures the default logger. The returned closer flushes
// the log file, if any.
func setupLogging(v *viper.Viper) io.Closer {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if path := v.GetString("log-file"); path != "" {
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    v.GetInt("log-max-size"),
			MaxBackups: v.GetInt("log-max-backups"),
			MaxAge:     v.GetInt("log-max-age"),
		}
		out, closer = lj, lj
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(out, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(out, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
	return closer
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("PAPERSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("paperscan")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/paperscan")
	v.AddConfigPath("/etc/paperscan")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// app is what every command works against.
type app struct {
	v       *viper.Viper
	store   *store.Store
	svc     *scan.Service
	metrics *metrics.Metrics
	logs    io.Closer
}

// openApp sets up logging, opens the database and page storage and
// returns a context carrying the acting operator and a localizer.
func openApp(cmd *cobra.Command) (context.Context, *app, error) {
	v := viperForCmd(cmd)
	logs := setupLogging(v)

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		logs.Close()
		return nil, nil, fmt.Errorf("init i18n: %w", err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		logs.Close()
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	blobs, err := openBlobs(ctx, v)
	if err != nil {
		db.Close()
		logs.Close()
		return nil, nil, err
	}

	m := metrics.New()
	svc := scan.New(db, blobs, scan.Config{Workers: v.GetInt("workers"), Metrics: m})

	ctx = model.ContextWithActor(ctx, operatorName(v))
	ctx = appI18n.WithLocalizer(ctx, appI18n.NewLocalizer(lang))
	return ctx, &app{v: v, store: db, svc: svc, metrics: m, logs: logs}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("close database", "error", err)
	}
	a.logs.Close()
}

func operatorName(v *viper.Viper) string {
	if name := v.GetString("operator"); name != "" {
		return name
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return model.SystemActor
}

func openBlobs(ctx context.Context, v *viper.Viper) (bundle.Blobs, error) {
	switch backend := strings.ToLower(v.GetString("storage")); backend {
	case "", "fs":
		blobs, err := bundle.NewDirBlobs(v.GetString("storage-dir"))
		if err != nil {
			return nil, fmt.Errorf("open page storage: %w", err)
		}
		return blobs, nil
	case "minio":
		blobs, err := bundle.NewMinioBlobs(ctx, bundle.MinioConfig{
			Endpoint:  v.GetString("minio-endpoint"),
			AccessKey: v.GetString("minio-access-key"),
			SecretKey: v.GetString("minio-secret-key"),
			Bucket:    v.GetString("minio-bucket"),
			Secure:    v.GetBool("minio-secure"),
		})
		if err != nil {
			return nil, fmt.Errorf("connect to minio: %w", err)
		}
		return blobs, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want fs or minio)", backend)
	}
}
