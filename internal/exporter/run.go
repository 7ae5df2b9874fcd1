package exporter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rowjay/wxexp/internal/backup"
	"github.com/rowjay/wxexp/internal/config"
	"github.com/rowjay/wxexp/internal/msglog"
	"github.com/rowjay/wxexp/internal/state"
	"github.com/rowjay/wxexp/internal/tasks"
)

const defaultPortrait = "DefaultProfileHead@2x.png"

// runner is the state the run goroutine carries through one export.
type runner struct {
	*Engine
	ctx     context.Context
	opts    config.Options
	state   *state.State
	primary *backup.Store
	shared  *backup.Store
	source  Source
	summary Summary
}

func (e *Engine) run(ctx context.Context) {
	r := &runner{Engine: e, ctx: ctx, summary: e.Summary()}
	r.summary.Options = e.cfg.Options
	e.observer.OnStart()

	err := r.export()
	if err != nil {
		r.summary.Err = err
		e.log.Error().Err(err).Msg("export failed")
	}
	r.summary.Cancelled = e.isCancelled() && err == nil
	r.summary.Duration = time.Since(r.summary.StartedAt)

	verb := "Completed"
	if r.summary.Cancelled {
		verb = "Cancelled"
	}
	e.log.Info().
		Int("accounts", r.summary.Accounts).
		Int("sessions", r.summary.Sessions).
		Int("records", r.summary.Records).
		Msgf("%s in %s", verb, formatElapsed(r.summary.Duration))

	e.observer.OnComplete(r.summary.Cancelled)
	e.finish(r.summary)
}

func (r *runner) export() error {
	if err := r.setup(); err != nil {
		return err
	}

	accounts, err := r.source.Accounts(r.ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	if len(accounts) == 0 {
		return ErrNoAccounts
	}
	r.log.Info().Int("count", len(accounts)).Msg("accounts found")

	r.copyStatic()

	names := NewNamer()
	var entries []IndexEntry
	for i := range accounts {
		if r.isCancelled() {
			break
		}
		acct := &accounts[i]
		if !r.cfg.Filter.allowsAccount(acct.ID) {
			continue
		}
		name, ok := names.Assign(acct.DisplayName, acct.ID, acct.Hash)
		if !ok {
			r.log.Warn().Str("account", acct.ID).Msg("cannot build directory name for account, skipping")
			continue
		}
		acct.FileName = name
		if err := r.exportAccount(acct); err != nil {
			r.log.Warn().Err(err).Str("account", acct.ID).Msg("account export failed")
			continue
		}
		r.summary.Accounts++
		entries = append(entries, IndexEntry{
			Name:    displayOr(acct.DisplayName, acct.ID),
			Link:    path.Join(acct.FileName, "index."+r.cfg.ExtName),
			Picture: path.Join(acct.FileName, "Portrait", portraitFile(acct.Hash)),
		})
	}

	if len(entries) > 0 {
		if err := r.writeIndex(filepath.Join(r.cfg.Output, "index."+r.cfg.ExtName), "", entries); err != nil {
			r.log.Warn().Err(err).Msg("write root index")
		}
	}

	if r.state.Len() > 0 {
		r.state.Touch(r.opts)
		if err := r.state.Save(statePath(r.cfg.Output)); err != nil {
			r.log.Warn().Err(err).Msg("save export state")
		}
	}
	return nil
}

// setup resolves options, opens the backup and builds the record source.
// Any error here aborts the run before output is written.
func (r *runner) setup() error {
	r.opts = r.cfg.Options
	r.state = state.New(r.opts)
	if r.opts.Has(config.OptIncremental) {
		prev, err := state.Load(statePath(r.cfg.Output))
		switch {
		case err == nil:
			r.opts = prev.Options | config.OptIncremental
			r.state = prev
			r.log.Info().Str("options", r.opts.String()).Time("previous", prev.ExportTime).Msg("resuming incremental export")
		case errors.Is(err, state.ErrNoState):
			r.log.Info().Msg("no previous export state, running full export")
		default:
			return err
		}
	}
	r.summary.Options = r.opts

	manifest, err := backup.ParseManifest(r.cfg.BackupDir)
	if err != nil {
		return fmt.Errorf("read backup manifest: %w", err)
	}
	if manifest.Encrypted {
		return ErrEncrypted
	}
	r.summary.Device = manifest.DisplayName

	r.primary = backup.NewStore(r.cfg.BackupDir, backup.WithFilter(r.cfg.LoadFilter))
	if err := r.primary.Load(r.cfg.AppDomain, r.cfg.LoadFilter != nil); err != nil {
		return fmt.Errorf("load %s: %w", r.cfg.AppDomain, err)
	}
	if r.cfg.ShareDomain != "" {
		shared := backup.NewStore(r.cfg.BackupDir)
		if err := shared.Load(r.cfg.ShareDomain, true); err == nil {
			r.shared = shared
		} else {
			r.log.Debug().Err(err).Msg("shared domain not available")
		}
	}
	r.log.Info().
		Str("device", manifest.DisplayName).
		Int("files", r.primary.Len()).
		Msg("backup loaded")

	source, err := r.sources(r.primary, r.shared)
	if err != nil {
		return fmt.Errorf("open record source: %w", err)
	}
	r.source = source
	return nil
}

func (r *runner) exportAccount(acct *Account) error {
	accountDir := filepath.Join(r.cfg.Output, acct.FileName)
	dirs := []string{filepath.Join(accountDir, "Portrait")}
	if !r.opts.Has(config.OptIconInSession) && !r.opts.Has(config.OptIgnoreEmoji) {
		dirs = append(dirs, filepath.Join(accountDir, "Emoji"))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create account dir: %w", err)
		}
	}

	sessions, err := r.source.Sessions(r.ctx, acct)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		if r.opts.Has(config.OptDescending) {
			return sessions[i].LastActivity.After(sessions[j].LastActivity)
		}
		return sessions[i].LastActivity.Before(sessions[j].LastActivity)
	})
	r.log.Info().Str("account", acct.ID).Int("sessions", len(sessions)).Msg("chats found")

	pool := tasks.NewPool(r.cfg.Tasks, r.log.With().Str("account", acct.ID).Logger())
	defer func() {
		pool.Close()
		st := pool.Stats()
		r.summary.Tasks.Completed += st.Completed
		r.summary.Tasks.Failed += st.Failed
		r.summary.Tasks.Skipped += st.Skipped
	}()
	if ua, ok := r.source.(interface{ UserAgent() string }); ok && r.cfg.Tasks.UserAgent == "" {
		pool.SetUserAgent(ua.UserAgent())
	}

	fallback := r.defaultPortrait(filepath.Join(accountDir, "Portrait"))
	if !r.opts.Has(config.OptIgnoreAvatar) {
		r.enqueueAvatar(pool, acct.AvatarPath, acct.AvatarURL, filepath.Join(accountDir, "Portrait", portraitFile(acct.Hash)), fallback)
	}

	pdfOut := r.opts.Has(config.OptPDFMode) && r.pdf != nil
	names := NewNamer()
	var entries []IndexEntry
	for i := range sessions {
		if r.isCancelled() {
			break
		}
		sess := &sessions[i]
		tok, ok := r.cfg.Filter.session(acct.ID, sess.ID)
		if !ok {
			continue
		}
		if tok != "" {
			sess.Token = tok
		}

		r.observer.OnSessionStart(sess.ID, sess.Token, sess.RecordCount)
		name, ok := names.Assign(sess.DisplayName, sess.ID, sess.Hash)
		if !ok {
			r.log.Warn().Str("session", sess.ID).Msg("cannot build file name for chat, skipping")
			r.observer.OnSessionComplete(sess.ID, sess.Token, r.isCancelled())
			continue
		}
		sess.FileName = name
		r.log.Info().Msgf("%d/%d: handling the chat with %s", i+1, len(sessions), displayOr(sess.DisplayName, sess.ID))
		if sess.Subscription {
			r.log.Info().Str("session", sess.ID).Msg("skip subscription")
			r.observer.OnSessionComplete(sess.ID, sess.Token, r.isCancelled())
			continue
		}

		portraitDir := "Portrait"
		if r.opts.Has(config.OptIconInSession) {
			portraitDir = path.Join(sess.FileName+"_files", "Portrait")
		}
		if !r.opts.Has(config.OptIgnoreAvatar) {
			r.enqueueAvatar(pool, sess.AvatarPath, sess.AvatarURL, filepath.Join(accountDir, filepath.FromSlash(portraitDir), portraitFile(sess.Hash)), fallback)
		}

		count, err := r.exportSession(pool, acct, sess, accountDir)
		if err != nil {
			r.log.Warn().Err(err).Str("session", sess.ID).Msg("chat export failed")
		} else {
			r.log.Info().Str("session", sess.ID).Int("records", count).Msg("chat exported")
		}
		if count > 0 {
			r.summary.Sessions++
			r.summary.Records += count
			entries = append(entries, IndexEntry{
				Name:    displayOr(sess.DisplayName, sess.ID),
				Link:    sess.FileName + "." + r.cfg.ExtName,
				Picture: path.Join(portraitDir, portraitFile(sess.Hash)),
			})
		}
		r.observer.OnSessionComplete(sess.ID, sess.Token, r.isCancelled())

		if pdfOut {
			r.convertPDF(acct, sess, accountDir)
		}
	}

	title := displayOr(acct.DisplayName, acct.ID)
	if err := r.writeIndex(filepath.Join(accountDir, "index."+r.cfg.ExtName), title, entries); err != nil {
		r.log.Warn().Err(err).Str("account", acct.ID).Msg("write account index")
	}

	r.drain(pool, acct)
	return nil
}

// exportSession renders the records of one conversation above its high-water
// mark and returns how many records it processed.
func (r *runner) exportSession(pool *tasks.Pool, acct *Account, sess *Session, accountDir string) (int, error) {
	if sess.RecordCount == 0 {
		return 0, nil
	}

	assetDir := sess.FileName + "_files"
	rc := &RenderContext{
		Options:     r.opts,
		Account:     acct,
		Session:     sess,
		AssetDir:    assetDir,
		PortraitDir: "Portrait",
		EmojiDir:    "Emoji",
	}
	if r.opts.Has(config.OptIconInSession) {
		rc.PortraitDir = path.Join(assetDir, "Portrait")
		rc.EmojiDir = path.Join(assetDir, "Emoji")
	}
	var dirs []string
	if !r.opts.Has(config.OptIgnoreAvatar) {
		dirs = append(dirs, filepath.Join(accountDir, assetDir, "Portrait"))
	}
	if !r.opts.Has(config.OptIgnoreEmoji) {
		dirs = append(dirs, filepath.Join(accountDir, assetDir, "Emoji"))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return 0, fmt.Errorf("create chat dir: %w", err)
		}
	}

	maxID := r.state.MaxID(sess.ID)
	it, err := r.source.Records(r.ctx, acct, sess, maxID, r.opts.Has(config.OptDescending))
	if err != nil {
		return 0, fmt.Errorf("open records: %w", err)
	}
	defer it.Close()

	messages := make([]string, 0, min(sess.RecordCount, 4096))
	processed := 0
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		fragments, err := r.renderer.Record(rc, &rec)
		if err != nil {
			// Leave the mark and the log alone so the next run retries the chat.
			return 0, err
		}
		if content := strings.Join(fragments, ""); content != "" {
			messages = append(messages, content)
		}
		if rec.ID > maxID {
			maxID = rec.ID
		}
		if rec.Type != RecordEmoji || !r.opts.Has(config.OptIgnoreEmoji) {
			for _, a := range rec.Assets {
				r.enqueueAsset(pool, a, filepath.Join(accountDir, assetDir))
			}
		}
		processed++
		r.observer.OnSessionProgress(sess.ID, sess.Token, processed, sess.RecordCount)
		if r.isCancelled() {
			break
		}
	}
	iterErr := it.Err()

	if maxID > 0 {
		r.state.SetMaxID(sess.ID, maxID)
	}

	lp := logPath(r.cfg.Output, acct.ID, sess.ID)
	if r.opts.Has(config.OptIncremental) {
		merged, err := msglog.Merge(lp, messages, r.opts.Has(config.OptDescending))
		if err != nil {
			return processed, err
		}
		messages = merged
	}
	if err := msglog.Write(lp, messages); err != nil {
		return processed, err
	}

	if processed > 0 && len(messages) > 0 {
		if err := r.writeSession(acct, sess, accountDir, messages); err != nil {
			return processed, err
		}
	}
	if iterErr != nil {
		return processed, fmt.Errorf("read records: %w", iterErr)
	}
	return processed, nil
}

func (r *runner) writeSession(acct *Account, sess *Session, accountDir string, messages []string) error {
	single := r.opts.Has(config.OptTextMode) || r.opts.Has(config.OptSyncLoading)
	first, rest := paginate(messages, r.cfg.PageSize, single)

	remaining := 0
	for _, p := range rest {
		remaining += len(p)
	}
	doc := &SessionDocument{
		Options:         r.opts,
		Account:         acct,
		Session:         sess,
		Body:            first,
		PageSize:        r.cfg.PageSize,
		MessageCount:    remaining,
		PageCount:       len(rest),
		DataPath:        sess.FileName + "_files/Data",
		LoadingOnScroll: r.cfg.LoadingOnScroll,
	}
	data, err := r.renderer.Session(doc)
	if err != nil {
		return fmt.Errorf("render chat: %w", err)
	}
	if err := writeFile(filepath.Join(accountDir, sess.FileName+"."+r.cfg.ExtName), data); err != nil {
		return err
	}

	if len(rest) == 0 {
		return nil
	}
	dataDir := filepath.Join(accountDir, sess.FileName+"_files", "Data")
	for i, page := range rest {
		body, err := r.renderer.DataPage(&DataPage{Number: i + 1, Messages: page})
		if err != nil {
			return fmt.Errorf("render data page %d: %w", i+1, err)
		}
		if err := writeFile(filepath.Join(dataDir, fmt.Sprintf("msg-%d.js", i+1)), body); err != nil {
			return err
		}
	}
	return nil
}

// drain waits for the account's asset tasks, reporting progress and
// honouring cancellation between polls.
func (r *runner) drain(pool *tasks.Pool, acct *Account) {
	total, prev := 0, 0
	if r.isCancelled() {
		pool.Cancel()
	} else {
		var desc string
		total, desc = pool.Pending()
		prev = total
		if total > 0 {
			r.log.Info().Str("account", acct.ID).Msgf("waiting for tasks: %s", desc)
		}
		pool.Shutdown()
	}
	r.observer.OnTasksStart(acct.ID, total)

	timeout := r.cfg.PollInterval
	if r.isCancelled() {
		timeout = 0
	}
	for i := 1; ; i++ {
		if pool.Wait(timeout) {
			break
		}
		if r.isCancelled() {
			pool.Cancel()
			timeout = 0
			time.Sleep(time.Millisecond)
		} else if i%2 == 0 {
			cur, _ := pool.Pending()
			if cur != prev {
				r.observer.OnTasksProgress(acct.ID, prev-cur, total)
				prev = cur
			}
		}
	}
	if prev > 0 {
		r.observer.OnTasksProgress(acct.ID, prev, total)
	}
	r.observer.OnTasksComplete(acct.ID, r.isCancelled())
}

func (r *runner) enqueueAsset(pool *tasks.Pool, a Asset, base string) {
	dest := filepath.Join(base, filepath.FromSlash(a.Dest))
	var fetch tasks.Task
	switch a.Source {
	case FromURL:
		fetch = &tasks.DownloadTask{URL: a.Path, Dest: dest}
	case FromShared:
		if r.shared == nil {
			return
		}
		fetch = &tasks.CopyTask{Store: r.shared, Path: a.Path, Dest: dest}
	default:
		fetch = &tasks.CopyTask{Store: r.primary, Path: a.Path, Dest: dest}
	}
	if a.Convert && len(r.cfg.Converter) > 0 {
		raw := dest + ".src"
		switch t := fetch.(type) {
		case *tasks.CopyTask:
			t.Dest = raw
		case *tasks.DownloadTask:
			t.Dest = raw
		}
		fetch = tasks.Sequence{fetch, &tasks.ConvertTask{Command: r.cfg.Converter, Src: raw, Dst: dest, RemoveSrc: true}}
	}
	pool.Enqueue(fetch)
}

func (r *runner) enqueueAvatar(pool *tasks.Pool, vpath, url, dest, fallback string) {
	switch {
	case vpath != "" && r.primary.Find(vpath) != nil:
		pool.Enqueue(&tasks.CopyTask{Store: r.primary, Path: vpath, Dest: dest, Fallback: fallback})
	case url != "":
		pool.Enqueue(&tasks.DownloadTask{URL: url, Dest: dest, Fallback: fallback})
	case fallback != "":
		pool.Enqueue(&tasks.CopyTask{Store: r.primary, Path: vpath, Dest: dest, Fallback: fallback})
	}
}

// defaultPortrait copies the stock avatar into dir and returns its path, or
// "" when the work dir does not provide one.
func (r *runner) defaultPortrait(dir string) string {
	if r.cfg.WorkDir == "" {
		return ""
	}
	src := filepath.Join(r.cfg.WorkDir, "res", defaultPortrait)
	data, err := os.ReadFile(src)
	if err != nil {
		return ""
	}
	dest := filepath.Join(dir, defaultPortrait)
	if err := writeFile(dest, data); err != nil {
		r.log.Debug().Err(err).Msg("copy default portrait")
		return ""
	}
	return dest
}

func (r *runner) convertPDF(acct *Account, sess *Session, accountDir string) {
	src := filepath.Join(accountDir, sess.FileName+"."+r.cfg.ExtName)
	if _, err := os.Stat(src); err != nil {
		return
	}
	dst := filepath.Join(r.cfg.Output, "pdf", acct.FileName, sess.FileName+".pdf")
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		r.log.Warn().Err(err).Msg("create pdf dir")
		return
	}
	if err := r.pdf.Convert(r.ctx, src, dst); err != nil {
		r.log.Warn().Err(err).Str("session", sess.ID).Msg("pdf conversion failed")
	}
}

func (r *runner) writeIndex(dest, title string, entries []IndexEntry) error {
	data, err := r.renderer.Index(&IndexDocument{Options: r.opts, Title: title, Entries: entries})
	if err != nil {
		return err
	}
	return writeFile(dest, data)
}

func (r *runner) copyStatic() {
	static := r.renderer.Static()
	if static == nil {
		return
	}
	err := fs.WalkDir(static, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := fs.ReadFile(static, p)
		if err != nil {
			return err
		}
		return writeFile(filepath.Join(r.cfg.Output, filepath.FromSlash(p)), data)
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("copy static files")
	}
}

func writeFile(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(dest), err)
	}
	return nil
}

func portraitFile(hash string) string {
	return hash + ".jpg"
}

func displayOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

func formatElapsed(d time.Duration) string {
	secs := int64(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
}
