package exporter

import (
	"context"
	"io/fs"
	"time"

	"github.com/rowjay/wxexp/internal/backup"
	"github.com/rowjay/wxexp/internal/config"
)

// Token is a caller-owned correlation value attached to a conversation. The
// engine passes it to the observer and never looks inside.
type Token string

type Account struct {
	ID          string
	Hash        string
	DisplayName string
	AvatarURL   string
	AvatarPath  string // virtual path in the primary store, tried before AvatarURL

	FileName string // assigned by the engine
}

type Session struct {
	ID           string
	Hash         string
	DisplayName  string
	RecordCount  int
	LastActivity time.Time
	Subscription bool
	AvatarURL    string
	AvatarPath   string
	Token        Token

	FileName string // assigned by the engine
}

// AssetSource says where an asset's bytes come from.
type AssetSource int

const (
	FromBackup AssetSource = iota // primary store virtual path
	FromShared                    // shared-group store virtual path
	FromURL
)

// Asset is a file a rendered record refers to.
type Asset struct {
	Source AssetSource
	Path   string // virtual path or URL
	// Dest is relative to the conversation's asset folder.
	Dest    string
	Convert bool // run the configured audio converter after fetching
}

// Record types as stored by the messaging app.
const (
	RecordText     = 1
	RecordImage    = 3
	RecordVoice    = 34
	RecordCard     = 42
	RecordVideo    = 43
	RecordEmoji    = 47
	RecordLocation = 48
	RecordApp      = 49
	RecordVoIP     = 50
	RecordSystem   = 10000
	RecordRevoked  = 10002
)

// Record is one decoded conversation record.
type Record struct {
	ID       int64
	Time     time.Time
	Type     int
	Outgoing bool
	Sender   string
	Content  string
	Assets   []Asset
}

// RecordIterator yields records once, in the order they are to be rendered.
type RecordIterator interface {
	Next() (Record, bool)
	Err() error
	Close() error
}

// Source decodes accounts, conversations and records out of loaded stores.
type Source interface {
	Accounts(ctx context.Context) ([]Account, error)
	Sessions(ctx context.Context, acct *Account) ([]Session, error)
	// Records yields the records of sess with ids above after.
	Records(ctx context.Context, acct *Account, sess *Session, after int64, descending bool) (RecordIterator, error)
}

// SourceFactory builds a Source over the primary store and the optional
// shared-group store (nil when the backup has no shared domain).
type SourceFactory func(primary, shared *backup.Store) (Source, error)

// Observer receives run lifecycle notifications on the run goroutine.
type Observer interface {
	OnStart()
	OnComplete(cancelled bool)
	OnTasksStart(account string, total int)
	OnTasksProgress(account string, delta, total int)
	OnTasksComplete(account string, cancelled bool)
	OnSessionStart(id string, token Token, total int)
	OnSessionProgress(id string, token Token, processed, total int)
	OnSessionComplete(id string, token Token, cancelled bool)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnStart()                                  {}
func (NopObserver) OnComplete(bool)                           {}
func (NopObserver) OnTasksStart(string, int)                  {}
func (NopObserver) OnTasksProgress(string, int, int)          {}
func (NopObserver) OnTasksComplete(string, bool)              {}
func (NopObserver) OnSessionStart(string, Token, int)         {}
func (NopObserver) OnSessionProgress(string, Token, int, int) {}
func (NopObserver) OnSessionComplete(string, Token, bool)     {}

// RenderContext is what a renderer knows about the record being rendered.
type RenderContext struct {
	Options     config.Options
	Account     *Account
	Session     *Session
	AssetDir    string // conversation asset folder, relative to the account folder
	PortraitDir string // relative to the account folder
	EmojiDir    string // relative to the account folder
}

// SessionDocument is a conversation page. Body holds the first page; the
// remaining MessageCount messages live in PageCount data pages under DataPath.
type SessionDocument struct {
	Options         config.Options
	Account         *Account
	Session         *Session
	Body            []string
	PageSize        int
	MessageCount    int
	PageCount       int
	DataPath        string
	LoadingOnScroll bool
}

type DataPage struct {
	Number   int // 1-based
	Messages []string
}

type IndexEntry struct {
	Name    string
	Link    string
	Picture string
}

type IndexDocument struct {
	Options config.Options
	Title   string
	Entries []IndexEntry
}

// Renderer turns records and documents into output bytes.
type Renderer interface {
	Record(rc *RenderContext, rec *Record) ([]string, error)
	Session(doc *SessionDocument) ([]byte, error)
	DataPage(page *DataPage) ([]byte, error)
	Index(doc *IndexDocument) ([]byte, error)
	// Static returns files copied to the output root on every run, or nil.
	Static() fs.FS
}

// PDFConverter renders a finished conversation document to PDF.
type PDFConverter interface {
	Convert(ctx context.Context, src, dst string) error
}

// Filter restricts a run to some accounts and conversations: account id to
// conversation id to token. An empty Filter allows everything; an account
// mapped to nil allows all of its conversations.
type Filter map[string]map[string]Token

func (f Filter) allowsAccount(id string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[id]
	return ok
}

func (f Filter) session(account, id string) (Token, bool) {
	if len(f) == 0 {
		return "", true
	}
	sessions, ok := f[account]
	if !ok {
		return "", false
	}
	if sessions == nil {
		return "", true
	}
	tok, ok := sessions[id]
	return tok, ok
}
