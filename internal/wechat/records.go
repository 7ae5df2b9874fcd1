package wechat

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"html"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rowjay/wxexp/internal/backup"
	"github.com/rowjay/wxexp/internal/exporter"
)

const chatroomSuffix = "@chatroom"

var (
	cdnURLPattern   = regexp.MustCompile(`cdnurl\s*=\s*"([^"]+)"`)
	emojiMD5Pattern = regexp.MustCompile(`\bmd5\s*=\s*"([0-9a-fA-F]{32})"`)
	titlePattern    = regexp.MustCompile(`<title>(?:<!\[CDATA\[)?(.*?)(?:\]\]>)?</title>`)
	labelPattern    = regexp.MustCompile(`\blabel\s*=\s*"([^"]*)"`)
)

// Records streams the chat table of sess ordered by creation time.
func (s *Source) Records(ctx context.Context, acct *exporter.Account, sess *exporter.Session, after int64, descending bool) (exporter.RecordIterator, error) {
	physical, ok := s.tables[acct.Hash+sess.Hash]
	if !ok {
		if _, err := s.Sessions(ctx, acct); err != nil {
			return nil, err
		}
		if physical, ok = s.tables[acct.Hash+sess.Hash]; !ok {
			return nil, fmt.Errorf("%w: no chat table for %s", ErrNoDatabase, sess.ID)
		}
	}
	db, err := backup.OpenSQLite(physical)
	if err != nil {
		return nil, err
	}
	order := "ASC"
	if descending {
		order = "DESC"
	}
	q := fmt.Sprintf("SELECT MesLocalID, CreateTime, Type, Des, IFNULL(Message, '') FROM %s%s WHERE MesLocalID > ? ORDER BY CreateTime %s, MesLocalID %s",
		chatTablePrefix, sess.Hash, order, order)
	rows, err := db.QueryContext(ctx, q, after)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("query records: %w", err)
	}
	contacts, err := s.loadContacts(acct.Hash)
	if err != nil {
		rows.Close()
		db.Close()
		return nil, err
	}
	return &recordIterator{
		db:      db,
		rows:    rows,
		decoder: decoder{store: s.store, acct: acct, sess: sess, contacts: contacts},
	}, nil
}

type recordIterator struct {
	db      *sql.DB
	rows    *sql.Rows
	decoder decoder
	err     error
}

func (it *recordIterator) Next() (exporter.Record, bool) {
	if it.err != nil || !it.rows.Next() {
		return exporter.Record{}, false
	}
	var (
		id, created int64
		typ, des    int
		message     string
	)
	if err := it.rows.Scan(&id, &created, &typ, &des, &message); err != nil {
		it.err = err
		return exporter.Record{}, false
	}
	return it.decoder.decode(id, created, typ, des == 0, message), true
}

func (it *recordIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *recordIterator) Close() error {
	err := it.rows.Close()
	if cerr := it.db.Close(); err == nil {
		err = cerr
	}
	return err
}

type decoder struct {
	store    *backup.Store
	acct     *exporter.Account
	sess     *exporter.Session
	contacts map[string]contact
}

func (d *decoder) mediaPath(kind string, id int64, ext string) string {
	return path.Join(accountBase(d.acct.Hash), kind, d.sess.Hash, strconv.FormatInt(id, 10)+ext)
}

func (d *decoder) decode(id, created int64, typ int, outgoing bool, message string) exporter.Record {
	rec := exporter.Record{
		ID:       id,
		Time:     time.Unix(created, 0),
		Type:     typ,
		Outgoing: outgoing,
		Content:  message,
	}

	switch {
	case outgoing:
		rec.Sender = d.acct.DisplayName
	case strings.HasSuffix(d.sess.ID, chatroomSuffix):
		if sender, body, ok := strings.Cut(message, ":\n"); ok && !strings.ContainsAny(sender, " <\n") {
			rec.Sender = sender
			if c, ok := d.contacts[Hash(sender)]; ok {
				rec.Sender = c.displayName()
			}
			rec.Content = body
		}
	default:
		rec.Sender = d.sess.DisplayName
		if rec.Sender == "" {
			rec.Sender = d.sess.ID
		}
	}

	name := strconv.FormatInt(id, 10)
	switch typ {
	case exporter.RecordImage:
		src := d.mediaPath("Img", id, ".pic")
		if d.store.Find(src) == nil {
			src = d.mediaPath("Img", id, ".pic_thum")
		}
		rec.Content = "[Image]"
		if d.store.Find(src) != nil {
			rec.Assets = []exporter.Asset{{Source: exporter.FromBackup, Path: src, Dest: name + ".jpg"}}
		}
	case exporter.RecordVoice:
		src := d.mediaPath("Audio", id, ".aud")
		rec.Content = "[Voice]"
		if d.store.Find(src) != nil {
			rec.Assets = []exporter.Asset{{Source: exporter.FromBackup, Path: src, Dest: name + ".mp3", Convert: true}}
		}
	case exporter.RecordVideo:
		src := d.mediaPath("Video", id, ".mp4")
		rec.Content = "[Video]"
		if d.store.Find(src) != nil {
			rec.Assets = []exporter.Asset{{Source: exporter.FromBackup, Path: src, Dest: name + ".mp4"}}
		}
	case exporter.RecordEmoji:
		rec.Content = "[Emoji]"
		if m := cdnURLPattern.FindStringSubmatch(message); m != nil {
			url := html.UnescapeString(m[1])
			rec.Assets = []exporter.Asset{{Source: exporter.FromURL, Path: url, Dest: path.Join("Emoji", emojiName(message, url))}}
		}
	case exporter.RecordLocation:
		rec.Content = "[Location]"
		if m := labelPattern.FindStringSubmatch(message); m != nil && m[1] != "" {
			rec.Content += " " + html.UnescapeString(m[1])
		}
	case exporter.RecordApp:
		if m := titlePattern.FindStringSubmatch(rec.Content); m != nil {
			rec.Content = "[Link] " + html.UnescapeString(m[1])
		} else {
			rec.Content = "[Link]"
		}
	case exporter.RecordCard:
		rec.Content = "[Contact Card]"
	case exporter.RecordVoIP:
		rec.Content = "[Call]"
	}
	return rec
}

func emojiName(message, url string) string {
	if m := emojiMD5Pattern.FindStringSubmatch(message); m != nil {
		return strings.ToLower(m[1]) + ".gif"
	}
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:]) + ".gif"
}
