package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rowjay/wxexp/internal/app"
	"github.com/rowjay/wxexp/internal/backup"
	"github.com/rowjay/wxexp/internal/config"
	"github.com/rowjay/wxexp/internal/cryptoutil"
	"github.com/rowjay/wxexp/internal/logging"
	"github.com/rowjay/wxexp/internal/notify"
	"github.com/rowjay/wxexp/internal/state"
	"github.com/rowjay/wxexp/internal/version"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	BackupPath string
	BackupID   string
	Output     string
	WorkDir    string
}

type storageFlags struct {
	Storage       string
	LocalPath     string
	S3Endpoint    string
	S3Bucket      string
	S3AccessKey   string
	S3SecretKey   string
	S3Region      string
	S3UseSSL      string
	S3PathStyle   string
	EncryptionKey string
}

func main() {
	root := &rootFlags{}
	storeFlags := &storageFlags{}

	rootCmd := &cobra.Command{
		Use:           "wxexp",
		Short:         "Export chat history from iOS device backups",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")
	rootCmd.PersistentFlags().StringVar(&root.BackupPath, "backup", "", "Backup container, or a folder holding several")
	rootCmd.PersistentFlags().StringVar(&root.BackupID, "backup-id", "", "Container directory name when --backup holds several")
	rootCmd.PersistentFlags().StringVar(&root.Output, "output", "", "Export output directory")
	rootCmd.PersistentFlags().StringVar(&root.WorkDir, "work-dir", "", "Directory holding res/ (default portrait)")

	rootCmd.PersistentFlags().StringVar(&storeFlags.Storage, "storage", "", "Archive storage backend (local, s3)")
	rootCmd.PersistentFlags().StringVar(&storeFlags.LocalPath, "storage-path", "", "Local archive storage path")
	rootCmd.PersistentFlags().StringVar(&storeFlags.S3Endpoint, "s3-endpoint", "", "S3 endpoint (MinIO/OSS)")
	rootCmd.PersistentFlags().StringVar(&storeFlags.S3Bucket, "s3-bucket", "", "S3 bucket")
	rootCmd.PersistentFlags().StringVar(&storeFlags.S3AccessKey, "s3-access-key", "", "S3 access key")
	rootCmd.PersistentFlags().StringVar(&storeFlags.S3SecretKey, "s3-secret-key", "", "S3 secret key")
	rootCmd.PersistentFlags().StringVar(&storeFlags.S3Region, "s3-region", "", "S3 region")
	rootCmd.PersistentFlags().StringVar(&storeFlags.S3UseSSL, "s3-ssl", "", "Use SSL for S3 endpoint (true/false)")
	rootCmd.PersistentFlags().StringVar(&storeFlags.S3PathStyle, "s3-path-style", "", "Force path-style S3 (true/false)")
	rootCmd.PersistentFlags().StringVar(&storeFlags.EncryptionKey, "encryption-key", "", "Archive encryption key (base64 or hex)")

	rootCmd.AddCommand(newExportCmd(root, storeFlags))
	rootCmd.AddCommand(newBackupsCmd(root, storeFlags))
	rootCmd.AddCommand(newAccountsCmd(root, storeFlags))
	rootCmd.AddCommand(newFilesCmd(root, storeFlags))
	rootCmd.AddCommand(newStateCmd(root, storeFlags))
	rootCmd.AddCommand(newArchivesCmd(root, storeFlags))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type exportFlags struct {
	TextMode           bool
	PDFMode            bool
	Descending         bool
	IconInSession      bool
	SyncLoading        bool
	Incremental        bool
	SupportFilter      bool
	IgnoreHTMLEncoding bool
	IgnoreAvatar       bool
	IgnoreEmoji        bool
	LoadingOnScroll    bool
	Archive            bool
	PageSize           int
	Only               []string
	Templates          string
}

func newExportCmd(root *rootFlags, storeFlags *storageFlags) *cobra.Command {
	flags := &exportFlags{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export chats from a backup into the output directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, storeFlags)
			if err != nil {
				return err
			}
			applyExportFlags(cmd, cfg, flags)
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
			svc := app.New(cfg, logger, notify.FromConfig(cfg.Notifications))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, cfg.Global.OperationTimeout)
			defer cancel()

			res, err := svc.Export(ctx)
			if err != nil {
				return err
			}
			event := logger.Info().
				Str("run_id", res.RunID).
				Str("device", res.Summary.Device).
				Int("sessions", res.Summary.Sessions).
				Int("records", res.Summary.Records).
				Bool("cancelled", res.Summary.Cancelled)
			if res.Archive != nil {
				event = event.Str("archive", res.Archive.Key).Str("size", humanize.Bytes(uint64(res.Archive.SizeBytes)))
			}
			event.Msg("export finished")
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&flags.TextMode, "text", false, "Write plain text instead of HTML")
	f.BoolVar(&flags.PDFMode, "pdf", false, "Also print every chat to PDF")
	f.BoolVar(&flags.Descending, "descending", false, "Newest records first")
	f.BoolVar(&flags.IconInSession, "icon-in-session", false, "Keep avatars and emoji inside each chat folder")
	f.BoolVar(&flags.SyncLoading, "sync-loading", false, "Put every record in the chat page instead of data pages")
	f.BoolVar(&flags.Incremental, "incremental", false, "Only export records newer than the previous run")
	f.BoolVar(&flags.SupportFilter, "support-filter", false, "Add sender and text filters to chat pages")
	f.BoolVar(&flags.IgnoreHTMLEncoding, "ignore-html-encoding", false, "Do not escape record text")
	f.BoolVar(&flags.IgnoreAvatar, "ignore-avatar", false, "Skip avatars")
	f.BoolVar(&flags.IgnoreEmoji, "ignore-emoji", false, "Skip emoji downloads")
	f.BoolVar(&flags.LoadingOnScroll, "loading-on-scroll", false, "Load data pages while scrolling")
	f.BoolVar(&flags.Archive, "archive", false, "Archive the output to storage after the run")
	f.IntVar(&flags.PageSize, "page-size", 0, "Records per data page")
	f.StringSliceVar(&flags.Only, "only", nil, "Limit to account[:chat[=token]] items")
	f.StringVar(&flags.Templates, "templates", "", "Directory of template overrides")
	return cmd
}

func applyExportFlags(cmd *cobra.Command, cfg *config.Config, flags *exportFlags) {
	changed := cmd.Flags().Changed
	bools := []struct {
		name string
		dst  *bool
		val  bool
	}{
		{"text", &cfg.Export.TextMode, flags.TextMode},
		{"pdf", &cfg.Export.PDFMode, flags.PDFMode},
		{"descending", &cfg.Export.Descending, flags.Descending},
		{"icon-in-session", &cfg.Export.IconInSession, flags.IconInSession},
		{"sync-loading", &cfg.Export.SyncLoading, flags.SyncLoading},
		{"incremental", &cfg.Export.Incremental, flags.Incremental},
		{"support-filter", &cfg.Export.SupportFilter, flags.SupportFilter},
		{"ignore-html-encoding", &cfg.Export.IgnoreHTMLEncoding, flags.IgnoreHTMLEncoding},
		{"ignore-avatar", &cfg.Export.IgnoreAvatar, flags.IgnoreAvatar},
		{"ignore-emoji", &cfg.Export.IgnoreEmoji, flags.IgnoreEmoji},
		{"loading-on-scroll", &cfg.Export.LoadingOnScroll, flags.LoadingOnScroll},
		{"archive", &cfg.Archive.Enabled, flags.Archive},
	}
	for _, b := range bools {
		if changed(b.name) {
			*b.dst = b.val
		}
	}
	if flags.PageSize > 0 {
		cfg.Export.PageSize = flags.PageSize
	}
	if len(flags.Only) > 0 {
		cfg.Export.Only = flags.Only
	}
	if flags.Templates != "" {
		cfg.Export.TemplatesDir = flags.Templates
	}
}

func newBackupsCmd(root *rootFlags, storeFlags *storageFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List backup containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, storeFlags)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
			items, err := app.New(cfg, logger, nil).ListBackups()
			if err != nil {
				return err
			}
			for _, m := range items {
				enc := ""
				if m.Encrypted {
					enc = "\tencrypted"
				}
				fmt.Printf("%s\t%s\t%s\tiOS %s\t%s%s\n", filepath.Base(m.Path), m.DisplayName, m.BackupTime.Local().Format(time.DateTime), m.IOSVersion, m.ToolVersion(), enc)
			}
			return nil
		},
	}
}

func newAccountsCmd(root *rootFlags, storeFlags *storageFlags) *cobra.Command {
	var showSubscriptions bool
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List accounts and chats in the selected backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, storeFlags)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.OperationTimeout)
			defer cancel()
			listing, err := app.New(cfg, logger, nil).ListAccounts(ctx)
			if err != nil {
				return err
			}
			for _, item := range listing {
				fmt.Printf("%s\t%s\n", item.Account.ID, item.Account.DisplayName)
				for _, s := range item.Sessions {
					if s.Subscription && !showSubscriptions {
						continue
					}
					fmt.Printf("  %s\t%s\t%d\n", s.ID, s.DisplayName, s.RecordCount)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showSubscriptions, "subscriptions", false, "Include subscription accounts")
	return cmd
}

func newFilesCmd(root *rootFlags, storeFlags *storageFlags) *cobra.Command {
	var domain, prefix, resolve, copyPath, copyTo string
	var limit int
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Inspect the file index of a backup domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, storeFlags)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
			store, err := app.New(cfg, logger, nil).OpenStore(domain, nil)
			if err != nil {
				return err
			}
			switch {
			case resolve != "":
				physical := store.ResolvePath(resolve)
				if physical == "" {
					return fmt.Errorf("%s is not in %s", resolve, store.Domain())
				}
				fmt.Println(physical)
			case copyPath != "":
				if copyTo == "" {
					return errors.New("--to is required with --copy")
				}
				ok, err := store.CopyFile(copyPath, copyTo, true)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s is not in %s", copyPath, store.Domain())
				}
				logger.Info().Str("path", copyPath).Str("dest", copyTo).Msg("file copied")
			default:
				listFiles(store, prefix, limit, func(f *backup.File) {
					kind := "f"
					if f.IsDir() {
						kind = "d"
					}
					fmt.Printf("%s\t%s\t%s\t%s\n", kind, f.ID, f.ModTime.Local().Format(time.DateTime), f.Path)
				})
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "Backup domain (defaults to the app domain)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Only list paths with this prefix")
	cmd.Flags().IntVar(&limit, "limit", 0, "List at most this many entries (0 lists all)")
	cmd.Flags().StringVar(&resolve, "resolve", "", "Print the physical file of a path")
	cmd.Flags().StringVar(&copyPath, "copy", "", "Copy the file at this path")
	cmd.Flags().StringVar(&copyTo, "to", "", "Destination for --copy")
	return cmd
}

// listFiles calls fn for up to limit entries under prefix, in path order.
func listFiles(store *backup.Store, prefix string, limit int, fn func(*backup.File)) {
	n := 0
	visit := func(f *backup.File) bool {
		fn(f)
		n++
		return limit <= 0 || n < limit
	}
	if prefix == "" {
		store.Walk(visit)
		return
	}
	for _, f := range store.Prefix(prefix) {
		if !visit(f) {
			return
		}
	}
}

func newStateCmd(root *rootFlags, storeFlags *storageFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the state left by the previous export",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, storeFlags)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
			st, err := app.New(cfg, logger, nil).State("")
			if errors.Is(err, state.ErrNoState) {
				fmt.Println("no previous export")
				return nil
			}
			if err != nil {
				return err
			}
			data, err := st.Marshal()
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func newArchivesCmd(root *rootFlags, storeFlags *storageFlags) *cobra.Command {
	var device string
	cmd := &cobra.Command{
		Use:   "archives",
		Short: "List stored output archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, storeFlags)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.OperationTimeout)
			defer cancel()
			items, err := app.New(cfg, logger, nil).Archives(ctx, device)
			if err != nil {
				return err
			}
			for _, item := range items {
				fmt.Printf("%s\t%s\t%s\n", item.Key, humanize.Bytes(uint64(item.Size)), item.Modified.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "Only list archives of this device")

	var key, dest string
	extract := &cobra.Command{
		Use:   "extract",
		Short: "Unpack a stored archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" || dest == "" {
				return fmt.Errorf("--key and --dest are required")
			}
			cfg, err := loadConfig(root, storeFlags)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.OperationTimeout)
			defer cancel()
			n, err := app.New(cfg, logger, nil).ExtractArchive(ctx, key, dest)
			if err != nil {
				return err
			}
			logger.Info().Str("key", key).Int("files", n).Msg("archive extracted")
			return nil
		},
	}
	extract.Flags().StringVar(&key, "key", "", "Archive object key")
	extract.Flags().StringVar(&dest, "dest", "", "Destination directory")
	cmd.AddCommand(extract)
	return cmd
}

func newConfigCmd() *cobra.Command {
	var input string
	var output string
	var key string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" || output == "" || key == "" {
				return fmt.Errorf("--input, --output, and --key are required")
			}
			return config.EncryptConfigFile(input, output, key)
		},
	}
	decrypt := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" || output == "" || key == "" {
				return fmt.Errorf("--input, --output, and --key are required")
			}
			return config.DecryptConfigFile(input, output, key)
		},
	}
	for _, c := range []*cobra.Command{encrypt, decrypt} {
		c.Flags().StringVar(&input, "input", "", "Input config file")
		c.Flags().StringVar(&output, "output", "", "Output config file")
		c.Flags().StringVar(&key, "key", "", "Encryption key (base64 or hex)")
	}

	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key for config or archive encryption",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := cryptoutil.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(k)
			return nil
		},
	}

	cmd.AddCommand(encrypt, decrypt, keygen)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wxexp %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func loadConfig(root *rootFlags, storeFlags *storageFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, root, storeFlags)
	return cfg, nil
}

func applyOverrides(cfg *config.Config, root *rootFlags, overrides *storageFlags) {
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}
	if root.BackupPath != "" {
		cfg.Backup.Path = root.BackupPath
	}
	if root.BackupID != "" {
		cfg.Backup.ID = root.BackupID
	}
	if root.Output != "" {
		cfg.Export.Output = root.Output
	}
	if root.WorkDir != "" {
		cfg.Global.WorkDir = root.WorkDir
	}

	if overrides.Storage != "" {
		cfg.Storage.Backend = overrides.Storage
	}
	if overrides.LocalPath != "" {
		cfg.Storage.Local.Path = overrides.LocalPath
	}
	if overrides.S3Endpoint != "" {
		cfg.Storage.S3.Endpoint = overrides.S3Endpoint
	}
	if overrides.S3Bucket != "" {
		cfg.Storage.S3.Bucket = overrides.S3Bucket
	}
	if overrides.S3AccessKey != "" {
		cfg.Storage.S3.AccessKey = overrides.S3AccessKey
	}
	if overrides.S3SecretKey != "" {
		cfg.Storage.S3.SecretKey = overrides.S3SecretKey
	}
	if overrides.S3Region != "" {
		cfg.Storage.S3.Region = overrides.S3Region
	}
	if overrides.S3UseSSL != "" {
		cfg.Storage.S3.UseSSL = strings.EqualFold(overrides.S3UseSSL, "true") || overrides.S3UseSSL == "1"
	}
	if overrides.S3PathStyle != "" {
		cfg.Storage.S3.ForcePathStyle = strings.EqualFold(overrides.S3PathStyle, "true") || overrides.S3PathStyle == "1"
	}
	if overrides.EncryptionKey != "" {
		cfg.Archive.EncryptionKey = overrides.EncryptionKey
	}

	cfg.Archive.Compression = strings.ToLower(cfg.Archive.Compression)
	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
}
