package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/slidoc/slidoc/internal/auth"
	"github.com/slidoc/slidoc/internal/gateway"
	appI18n "github.com/slidoc/slidoc/internal/i18n"
	"github.com/slidoc/slidoc/internal/model"
	"github.com/slidoc/slidoc/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "slidoc",
		Short: "Paced-session row store server",
	}

	serve := serveCmd()
	root.AddCommand(serve, tokenCmd(), trashCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `slidoc --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the row store server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "slidoc.db", "SQLite database path")
	f.StringSliceP("sessions", "s", nil, "Paths to session definition JSON files (repeatable)")
	f.String("auth-key", "", "Shared HMAC secret for tokens (or set SLIDOC_AUTH_KEY)")
	f.StringP("lang", "l", appI18n.DefaultLang, "Message language (en, ru)")
	f.Int("lock-wait-sec", 30, "Bounded wait for the write section, in seconds")
	f.String("admin-password", "", "Initial admin password (or set SLIDOC_ADMIN_PASSWORD)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate user, admin, or late-submission tokens",
		RunE:  runToken,
	}
	f := cmd.Flags()
	f.String("auth-key", "", "Shared HMAC secret for tokens (or set SLIDOC_AUTH_KEY)")
	f.String("user", "", "User id to sign (required)")
	f.Bool("admin", false, "Generate an admin token instead of a user token")
	f.String("session", "", "Session name for a late-submission token")
	f.String("due-date", "", "New due date (ISO UTC) for a late-submission token")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func trashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trash",
		Short: "Retire a session sheet (rows kept, sheet hidden)",
		RunE:  runTrash,
	}
	f := cmd.Flags()
	f.String("db", "slidoc.db", "SQLite database path")
	f.String("session", "", "Session sheet to retire (required)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	_ = cmd.MarkFlagRequired("session")

	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

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
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("SLIDOC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("slidoc")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/slidoc")
	v.AddConfigPath("/etc/slidoc")
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

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	key := v.GetString("auth-key")
	if key == "" {
		return fmt.Errorf("auth key is required: set --auth-key flag or SLIDOC_AUTH_KEY env var")
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if sec := v.GetInt("lock-wait-sec"); sec > 0 {
		db.SetLockWait(time.Duration(sec) * time.Second)
	}

	if err := seedAdmin(db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	if err := loadSessions(db, v.GetStringSlice("sessions")); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	g := gateway.New(db, key, slog.Default())

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	g.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"db", v.GetString("db"),
		"lang", lang,
		"lock_wait_sec", v.GetInt("lock-wait-sec"),
	)
	return http.ListenAndServe(addr, r)
}

func runToken(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	key := v.GetString("auth-key")
	if key == "" {
		return fmt.Errorf("auth key is required: set --auth-key flag or SLIDOC_AUTH_KEY env var")
	}
	user := v.GetString("user")

	if date := v.GetString("due-date"); date != "" {
		session := v.GetString("session")
		if session == "" {
			return fmt.Errorf("late-submission tokens require --session")
		}
		if _, err := model.ParseUTCDate(date); err != nil {
			return fmt.Errorf("parse due date: %w", err)
		}
		fmt.Println(auth.LateToken(key, user, session, date))
		return nil
	}

	if v.GetBool("admin") {
		fmt.Println(auth.AdminToken(key, user))
		return nil
	}
	fmt.Println(auth.UserToken(key, user))
	return nil
}

func runTrash(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	name := v.GetString("session")
	if err := db.TrashSheet(name); err != nil {
		return fmt.Errorf("trash sheet %s: %w", name, err)
	}
	slog.Info("retired session sheet", "session", name)
	return nil
}

// loadSessions imports session definitions, registering a sheet per
// definition. Imports are tracked by content hash: an unchanged file is
// skipped, and a changed file is skipped with a warning so stored
// sessions keyed to the old definition keep working until the revision
// is bumped in a fresh file.
func loadSessions(db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}
		if storedHash == hash {
			slog.Info("session file unchanged, skipping", "path", path)
			continue
		}

		var def model.SessionDef
		if err := json.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if def.Name == "" {
			return fmt.Errorf("%s: session definition has no name", path)
		}

		sheet := store.Sheet{
			Name:    def.Name,
			Headers: model.GradingHeaders(&def),
			DueDate: def.DueDate,
		}
		if err := db.CreateSheet(sheet); err != nil {
			return fmt.Errorf("register sheet for %s: %w", path, err)
		}

		if err := db.SetImportedFileHash(path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported session definition", "path", path,
			"session", def.Name, "version", def.Version, "revision", def.Revision,
			"questions", len(def.Questions))
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func seedAdmin(db *store.Store, password string) error {
	count, err := db.AccountCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or SLIDOC_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	if _, err := db.CreateAccount("admin", string(hash)); err != nil {
		return fmt.Errorf("create admin account: %w", err)
	}

	slog.Info("seeded default admin account", "username", "admin")
	return nil
}
