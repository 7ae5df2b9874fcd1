// Package wechat decodes accounts, conversations and records from the
// messaging app's databases inside a loaded backup.
package wechat

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rowjay/wxexp/internal/backup"
	"github.com/rowjay/wxexp/internal/exporter"
)

const (
	settingsPrefix  = mmkvDir + "mmsetting.archive."
	chatTablePrefix = "Chat_"

	// DefaultUserAgent is sent when fetching avatars and emoji from the
	// app's CDN, which rejects unknown clients.
	DefaultUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148 MicroMessenger/8.0.47(0x18002f2c) NetType/WIFI Language/en"
)

var (
	ErrNoDatabase = errors.New("account database not found")

	hashPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)
)

// Hash is the folder and table name the app derives from a user name.
func Hash(usrName string) string {
	sum := md5.Sum([]byte(usrName))
	return hex.EncodeToString(sum[:])
}

type contact struct {
	usrName  string
	nickName string
	remark   string
	avatar   string
}

func (c contact) displayName() string {
	if c.remark != "" {
		return c.remark
	}
	if c.nickName != "" {
		return c.nickName
	}
	return c.usrName
}

// Source reads a single backup. It is not safe for concurrent use.
type Source struct {
	store *backup.Store

	contacts map[string]map[string]contact // account hash -> contact hash -> contact
	tables   map[string]string             // account hash + session hash -> physical db path
}

// New is an exporter.SourceFactory. The shared-group store is not needed
// for records.
func New(primary, _ *backup.Store) (exporter.Source, error) {
	if primary == nil {
		return nil, errors.New("primary store is required")
	}
	return &Source{
		store:    primary,
		contacts: make(map[string]map[string]contact),
		tables:   make(map[string]string),
	}, nil
}

func (s *Source) UserAgent() string { return DefaultUserAgent }

func accountBase(hash string) string { return path.Join("Documents", hash) }

// Accounts lists users that left a settings archive and a message database.
func (s *Source) Accounts(ctx context.Context) ([]exporter.Account, error) {
	var accounts []exporter.Account
	seen := make(map[string]bool)
	for _, f := range s.store.Prefix(settingsPrefix) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := strings.TrimPrefix(f.Path, settingsPrefix)
		if id == "" || strings.ContainsAny(id, "./") || seen[id] {
			continue
		}
		seen[id] = true
		hash := Hash(id)
		if s.store.Find(path.Join(accountBase(hash), "DB", "MM.sqlite")) == nil {
			continue
		}
		acct := exporter.Account{ID: id, Hash: hash, DisplayName: id}
		contacts, err := s.loadContacts(hash)
		if err != nil {
			return nil, err
		}
		if self, ok := contacts[hash]; ok {
			acct.DisplayName = self.displayName()
			acct.AvatarURL = self.avatar
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

func (s *Source) openDB(vpath string) (*sql.DB, error) {
	physical := s.store.ResolvePath(vpath)
	if physical == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoDatabase, vpath)
	}
	return backup.OpenSQLite(physical)
}

func (s *Source) loadContacts(acctHash string) (map[string]contact, error) {
	if c, ok := s.contacts[acctHash]; ok {
		return c, nil
	}
	db, err := s.openDB(path.Join(accountBase(acctHash), "DB", "MM.sqlite"))
	if err != nil {
		return nil, err
	}
	defer db.Close()

	contacts := make(map[string]contact)
	rows, err := db.Query("SELECT UsrName, IFNULL(NickName, ''), IFNULL(ConRemark, '') FROM Friend")
	if err == nil {
		for rows.Next() {
			var c contact
			if err := rows.Scan(&c.usrName, &c.nickName, &c.remark); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan contact: %w", err)
			}
			contacts[Hash(c.usrName)] = c
		}
		rows.Close()
	}

	rows, err = db.Query("SELECT UsrName, IFNULL(ConStrRes2, '') FROM Friend_Ext")
	if err == nil {
		for rows.Next() {
			var name, ext string
			if err := rows.Scan(&name, &ext); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan contact ext: %w", err)
			}
			h := Hash(name)
			if c, ok := contacts[h]; ok {
				c.avatar = headImage(ext)
				contacts[h] = c
			}
		}
		rows.Close()
	}

	s.contacts[acctHash] = contacts
	return contacts, nil
}

// messageDBs lists the account's databases that may hold chat tables.
func (s *Source) messageDBs(acctHash string) []string {
	dbDir := path.Join(accountBase(acctHash), "DB") + "/"
	dbs := []string{dbDir + "MM.sqlite"}
	for _, f := range s.store.Match(dbDir+"message_", func(f *backup.File) bool {
		return !f.IsDir() && strings.HasSuffix(f.Path, ".sqlite")
	}) {
		dbs = append(dbs, f.Path)
	}
	return dbs
}

func (s *Source) Sessions(ctx context.Context, acct *exporter.Account) ([]exporter.Session, error) {
	contacts, err := s.loadContacts(acct.Hash)
	if err != nil {
		return nil, err
	}
	var sessions []exporter.Session
	for _, vpath := range s.messageDBs(acct.Hash) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		physical := s.store.ResolvePath(vpath)
		if physical == "" {
			continue
		}
		found, err := s.scanTables(ctx, physical, acct.Hash, contacts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", vpath, err)
		}
		sessions = append(sessions, found...)
	}
	sort.SliceStable(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

func (s *Source) scanTables(ctx context.Context, physical, acctHash string, contacts map[string]contact) ([]exporter.Session, error) {
	db, err := backup.OpenSQLite(physical)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'Chat\\_%' ESCAPE '\\'")
	if err != nil {
		return nil, fmt.Errorf("list chat tables: %w", err)
	}
	var hashes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		if h := strings.TrimPrefix(name, chatTablePrefix); hashPattern.MatchString(h) {
			hashes = append(hashes, h)
		}
	}
	rows.Close()

	sessions := make([]exporter.Session, 0, len(hashes))
	for _, h := range hashes {
		var (
			count int
			last  sql.NullInt64
		)
		q := fmt.Sprintf("SELECT COUNT(*), MAX(CreateTime) FROM %s%s", chatTablePrefix, h)
		if err := db.QueryRowContext(ctx, q).Scan(&count, &last); err != nil {
			return nil, fmt.Errorf("count %s: %w", h, err)
		}
		sess := exporter.Session{ID: h, Hash: h, RecordCount: count}
		if last.Valid {
			sess.LastActivity = time.Unix(last.Int64, 0)
		}
		if c, ok := contacts[h]; ok {
			sess.ID = c.usrName
			sess.DisplayName = c.displayName()
			sess.AvatarURL = c.avatar
		}
		sess.Subscription = strings.HasPrefix(sess.ID, "gh_")
		s.tables[acctHash+h] = physical
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

var headImgPattern = regexp.MustCompile(`<HeadImgUrl>([^<]+)</HeadImgUrl>|<HeadImgHDUrl>([^<]+)</HeadImgHDUrl>`)

func headImage(ext string) string {
	m := headImgPattern.FindStringSubmatch(ext)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}
