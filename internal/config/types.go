package config

import "time"

// Config is the root configuration schema.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	Backup        BackupConfig        `mapstructure:"backup"`
	Export        ExportConfig        `mapstructure:"export"`
	Tasks         TasksConfig         `mapstructure:"tasks"`
	PDF           PDFConfig           `mapstructure:"pdf"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
}

type GlobalConfig struct {
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"` // json or console
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	ConfigPassphrase string        `mapstructure:"config_passphrase"` // optional; may come from env
	WorkDir          string        `mapstructure:"work_dir"`          // holds res/ (default portrait, templates)
}

type BackupConfig struct {
	Path        string `mapstructure:"path"` // one backup container, or a root holding several
	ID          string `mapstructure:"id"`   // container directory name when Path is a root
	AppDomain   string `mapstructure:"app_domain"`
	ShareDomain string `mapstructure:"share_domain"`
}

type ExportConfig struct {
	Output             string   `mapstructure:"output"`
	TextMode           bool     `mapstructure:"text_mode"`
	PDFMode            bool     `mapstructure:"pdf_mode"`
	Descending         bool     `mapstructure:"descending"`
	IconInSession      bool     `mapstructure:"icon_in_session"`
	SyncLoading        bool     `mapstructure:"sync_loading"`
	Incremental        bool     `mapstructure:"incremental"`
	SupportFilter      bool     `mapstructure:"support_filter"`
	IgnoreHTMLEncoding bool     `mapstructure:"ignore_html_encoding"`
	IgnoreAvatar       bool     `mapstructure:"ignore_avatar"`
	IgnoreEmoji        bool     `mapstructure:"ignore_emoji"`
	PageSize           int      `mapstructure:"page_size"`
	ExtName            string   `mapstructure:"ext_name"`
	TemplatesDir       string   `mapstructure:"templates_dir"`
	LoadingOnScroll    bool     `mapstructure:"loading_on_scroll"`
	Only               []string `mapstructure:"only"` // account or account:session
}

type TasksConfig struct {
	Workers      int           `mapstructure:"workers"`
	UserAgent    string        `mapstructure:"user_agent"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RetryCount   int           `mapstructure:"retry_count"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	Converter    []string      `mapstructure:"converter"` // argv; {src} and {dst} are substituted
}

type PDFConfig struct {
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"` // {src} and {dst} are substituted
	Timeout time.Duration `mapstructure:"timeout"`
}

type ArchiveConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Compression   string `mapstructure:"compression"` // none, gzip, zstd
	Encryption    bool   `mapstructure:"encryption"`
	EncryptionKey string `mapstructure:"encryption_key"`
	Label         string `mapstructure:"label"`
	KeepLast      int    `mapstructure:"keep_last"`
}

type StorageConfig struct {
	Backend string     `mapstructure:"backend"` // local, s3
	Local   LocalStore `mapstructure:"local"`
	S3      S3Store    `mapstructure:"s3"`
	Prefix  string     `mapstructure:"prefix"`
}

type LocalStore struct {
	Path string `mapstructure:"path"`
}

type S3Store struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	SessionToken    string `mapstructure:"session_token"`
	TLSInsecureSkip bool   `mapstructure:"tls_insecure_skip"`
}

type NotificationsConfig struct {
	Webhooks   []WebhookConfig  `mapstructure:"webhooks"`
	Mattermost []MattermostHook `mapstructure:"mattermost"`
	Matrix     []MatrixConfig   `mapstructure:"matrix"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type MattermostHook struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

type MatrixConfig struct {
	Name        string `mapstructure:"name"`
	ServerURL   string `mapstructure:"server_url"`
	AccessToken string `mapstructure:"access_token"`
	RoomID      string `mapstructure:"room_id"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"` // node_exporter textfile collector target
}
