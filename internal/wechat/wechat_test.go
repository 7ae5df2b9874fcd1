package wechat

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rowjay/wxexp/internal/backup"
	"github.com/rowjay/wxexp/internal/backup/backuptest"
	"github.com/rowjay/wxexp/internal/config"
	"github.com/rowjay/wxexp/internal/exporter"
)

const domain = config.DefaultAppDomain

var (
	meHash    = Hash("wxid_me")
	aliceHash = Hash("alice")
	roomHash  = Hash("123@chatroom")
)

func chatTable(hash string) string {
	return fmt.Sprintf("CREATE TABLE Chat_%s (MesLocalID INTEGER PRIMARY KEY, MesSvrID INTEGER, CreateTime INTEGER, Message TEXT, Status INTEGER, ImgStatus INTEGER, Type INTEGER, Des INTEGER)", hash)
}

func fixture(t *testing.T) *backup.Store {
	t.Helper()
	mm := backuptest.AddSQLite(t,
		"CREATE TABLE Friend (UsrName TEXT, NickName TEXT, ConRemark TEXT)",
		"CREATE TABLE Friend_Ext (UsrName TEXT, ConStrRes2 TEXT)",
		"INSERT INTO Friend VALUES ('wxid_me', 'Me', ''), ('alice', 'Alice', 'Ally'), ('bob', 'Bob', ''), ('123@chatroom', 'Team', '')",
		"INSERT INTO Friend_Ext VALUES ('alice', '<HeadImgUrl>http://cdn/alice.jpg</HeadImgUrl>')",
		chatTable(aliceHash),
		fmt.Sprintf("INSERT INTO Chat_%s VALUES (1, 0, 100, 'hello', 0, 0, 1, 1), (2, 0, 200, '', 0, 0, 3, 0), (3, 0, 150, '<msg><emoji md5=\"0123456789abcdef0123456789ABCDEF\" cdnurl=\"http://cdn/e.gif?a=1&amp;b=2\"/></msg>', 0, 0, 47, 1)", aliceHash),
		chatTable(Hash("gh_news")),
	)
	msg1 := backuptest.AddSQLite(t,
		chatTable(roomHash),
		fmt.Sprintf("INSERT INTO Chat_%s VALUES (5, 0, 300, 'bob:\nhi all', 0, 0, 1, 1), (6, 0, 310, '<msg><appmsg><title><![CDATA[News &amp; more]]></title></appmsg></msg>', 0, 0, 49, 0)", roomHash),
	)
	base := "Documents/" + meHash
	entries := []backuptest.Entry{
		{Domain: domain, Path: "Documents/MMappedKV/mmsetting.archive.wxid_me", Data: []byte("kv")},
		{Domain: domain, Path: "Documents/MMappedKV/mmsetting.archive.wxid_me.crc", Data: []byte("crc")},
		{Domain: domain, Path: "Documents/MMappedKV/mmsetting.archive.wxid_gone", Data: []byte("kv")},
		{Domain: domain, Path: base + "/DB/MM.sqlite", Data: mm},
		{Domain: domain, Path: base + "/DB/message_1.sqlite", Data: msg1},
		{Domain: domain, Path: base + "/Img/" + aliceHash + "/2.pic_thum", Data: []byte("jpg")},
	}
	dir := backuptest.Build(t, filepath.Join(t.TempDir(), "backup"), backuptest.DefaultInfo(), entries)
	store := backup.NewStore(dir)
	if err := store.Load(domain, false); err != nil {
		t.Fatalf("load store: %v", err)
	}
	return store
}

func TestAccountsAndSessions(t *testing.T) {
	src, err := New(fixture(t), nil)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	ctx := context.Background()
	accounts, err := src.Accounts(ctx)
	if err != nil {
		t.Fatalf("accounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ID != "wxid_me" || accounts[0].DisplayName != "Me" || accounts[0].Hash != meHash {
		t.Fatalf("unexpected accounts: %+v", accounts)
	}

	sessions, err := src.Sessions(ctx, &accounts[0])
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	byID := make(map[string]exporter.Session)
	for _, s := range sessions {
		byID[s.ID] = s
	}
	alice := byID["alice"]
	if alice.DisplayName != "Ally" || alice.RecordCount != 3 || alice.LastActivity.Unix() != 200 || alice.AvatarURL != "http://cdn/alice.jpg" {
		t.Fatalf("unexpected alice session: %+v", alice)
	}
	if s, ok := byID[Hash("gh_news")]; !ok || s.RecordCount != 0 {
		t.Fatalf("unknown contact should keep its hash as id: %+v", byID)
	}
	if byID["123@chatroom"].RecordCount != 2 {
		t.Fatalf("chat table in message_1 not found: %+v", byID)
	}
}

func collect(t *testing.T, it exporter.RecordIterator) []exporter.Record {
	t.Helper()
	defer it.Close()
	var out []exporter.Record
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, rec)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	return out
}

func TestRecords(t *testing.T) {
	src, _ := New(fixture(t), nil)
	ctx := context.Background()
	acct := &exporter.Account{ID: "wxid_me", Hash: meHash, DisplayName: "Me"}
	alice := &exporter.Session{ID: "alice", Hash: aliceHash, DisplayName: "Ally"}

	it, err := src.Records(ctx, acct, alice, 0, false)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	recs := collect(t, it)
	if len(recs) != 3 || recs[0].ID != 1 || recs[1].ID != 3 || recs[2].ID != 2 {
		t.Fatalf("unexpected order: %+v", recs)
	}
	if recs[0].Sender != "Ally" || recs[0].Outgoing || recs[0].Content != "hello" {
		t.Fatalf("unexpected text record: %+v", recs[0])
	}
	emoji := recs[1]
	if len(emoji.Assets) != 1 || emoji.Assets[0].Path != "http://cdn/e.gif?a=1&b=2" || emoji.Assets[0].Dest != "Emoji/0123456789abcdef0123456789abcdef.gif" {
		t.Fatalf("unexpected emoji record: %+v", emoji)
	}
	img := recs[2]
	if !img.Outgoing || img.Sender != "Me" || len(img.Assets) != 1 || img.Assets[0].Dest != "2.jpg" {
		t.Fatalf("unexpected image record: %+v", img)
	}

	it, err = src.Records(ctx, acct, alice, 2, true)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	recs = collect(t, it)
	if len(recs) != 1 || recs[0].ID != 3 {
		t.Fatalf("records above the mark: %+v", recs)
	}
}

func TestGroupRecords(t *testing.T) {
	src, _ := New(fixture(t), nil)
	acct := &exporter.Account{ID: "wxid_me", Hash: meHash, DisplayName: "Me"}
	room := &exporter.Session{ID: "123@chatroom", Hash: roomHash}

	it, err := src.Records(context.Background(), acct, room, 0, false)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	recs := collect(t, it)
	if len(recs) != 2 {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if recs[0].Sender != "Bob" || recs[0].Content != "hi all" {
		t.Fatalf("group sender not split: %+v", recs[0])
	}
	if recs[1].Content != "[Link] News & more" {
		t.Fatalf("unexpected link record: %+v", recs[1])
	}
}

func TestLoadingFilter(t *testing.T) {
	cases := map[string]bool{
		"Documents/MMappedKV/mmsetting.archive.wxid_me": true,
		"Documents/MMappedKV/other.archive":             false,
		"Documents/MapDocument/x":                       false,
		"Library/WebKit/cache":                          false,
		"Documents/" + meHash + "/Img/a/1.pic":          false,
		"Documents/" + meHash + "/Audio/a/1.aud":        false,
		"Documents/" + meHash + "/DB/MM.sqlite":         true,
		"Documents":                                     true,
	}
	for path, want := range cases {
		if got := LoadingFilter(path, backup.FlagFile); got != want {
			t.Fatalf("LoadingFilter(%q) = %v, want %v", path, got, want)
		}
	}
}
