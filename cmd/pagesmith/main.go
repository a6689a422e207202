// pagesmith is the interactive client: a REPL that talks to a pagesmith
// server, keeps the document version history, and persists projects locally.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/pagesmith/pagesmith/internal/config"
	"github.com/pagesmith/pagesmith/internal/generate"
	"github.com/pagesmith/pagesmith/internal/history"
	"github.com/pagesmith/pagesmith/internal/imagepool"
	"github.com/pagesmith/pagesmith/internal/projectstore"
)

func main() {
	fs := flag.NewFlagSet("pagesmith", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8787", "pagesmith server base URL")
	statePath := fs.String("state", defaultStatePath(), "Project database path")
	projectID := fs.String("project", "", "Project ID to resume (empty: new project)")
	outPath := fs.String("out", "page.html", "Where to write the current document after each change")
	listProjects := fs.Bool("projects", false, "List saved projects and exit")

	s3Endpoint := fs.String("s3-endpoint", "", "S3-compatible image host endpoint (empty: uploads disabled)")
	s3Region := fs.String("s3-region", "", "Image host region")
	s3Bucket := fs.String("s3-bucket", "", "Image host bucket")
	s3BaseURL := fs.String("s3-public-url", "", "Public base URL for hosted images")
	s3SSL := fs.Bool("s3-ssl", true, "Use TLS for the image host")

	logFormat := fs.String("log-format", "text", "Log format: json|text")
	logLevel := fs.String("log-level", "warn", "Log level: debug|info|warn|error")
	_ = fs.Parse(os.Args[1:])

	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	logger, err := config.NewLogger(*logFormat, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	store, err := projectstore.Open(*statePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open project store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	if *listProjects {
		printProjects(store)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := imagepool.NewPool()
	app := &app{
		log:    logger,
		store:  store,
		pool:   pool,
		out:    strings.TrimSpace(*outPath),
		projID: strings.TrimSpace(*projectID),
	}
	if err := app.loadProject(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load project: %v\n", err)
		os.Exit(1)
	}

	ctrl, err := generate.NewController(generate.Options{
		Log:            logger,
		Client:         generate.NewClient(*serverURL),
		History:        app.hist,
		Pool:           pool,
		ConversationID: app.projID,
		OnLiveMessage: func(text string) {
			fmt.Printf("\r\033[K%s", oneLine(text))
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init controller: %v\n", err)
		os.Exit(1)
	}
	ctrl.Load(app.transcript, app.learned)
	app.ctrl = ctrl

	if *s3Endpoint != "" {
		up, err := imagepool.NewUploader(imagepool.UploaderOptions{
			Log:           logger,
			Pool:          pool,
			Endpoint:      *s3Endpoint,
			Region:        *s3Region,
			AccessKey:     os.Getenv("PAGESMITH_S3_ACCESS_KEY"),
			SecretKey:     os.Getenv("PAGESMITH_S3_SECRET_KEY"),
			Bucket:        *s3Bucket,
			UseSSL:        *s3SSL,
			PublicBaseURL: *s3BaseURL,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to init image uploader: %v\n", err)
			os.Exit(1)
		}
		go up.Run(ctx)
	}

	// SIGINT stops the in-flight generation; use :quit (or EOF) to exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigCh {
			ctrl.Stop()
			fmt.Println("\n(stopped)")
		}
	}()

	fmt.Printf("project %s — type a request, or :help for commands\n", app.projID)
	app.repl(ctx)
}

type app struct {
	log    *slog.Logger
	store  *projectstore.Store
	pool   *imagepool.Pool
	ctrl   *generate.Controller
	hist   *history.History
	out    string
	projID string

	transcript []generate.Message
	learned    map[string]string
}

func (a *app) loadProject(ctx context.Context) error {
	if a.projID == "" {
		a.projID = uuid.NewString()
		a.hist = history.New(0)
		return nil
	}
	rec, err := a.store.Get(ctx, a.projID)
	if errors.Is(err, projectstore.ErrNotFound) {
		a.hist = history.New(0)
		return nil
	}
	if err != nil {
		return err
	}
	if len(rec.TranscriptJSON) > 0 {
		if err := json.Unmarshal(rec.TranscriptJSON, &a.transcript); err != nil {
			return fmt.Errorf("corrupt transcript: %w", err)
		}
	}
	var st history.State
	if len(rec.HistoryJSON) > 0 {
		if err := json.Unmarshal(rec.HistoryJSON, &st); err != nil {
			return fmt.Errorf("corrupt history: %w", err)
		}
	}
	a.hist = history.Load(st, 0)
	if len(rec.LearnedJSON) > 0 {
		if err := json.Unmarshal(rec.LearnedJSON, &a.learned); err != nil {
			return fmt.Errorf("corrupt learned context: %w", err)
		}
	}
	return nil
}

func (a *app) save(ctx context.Context) {
	transcript, err := json.Marshal(a.ctrl.Transcript())
	if err != nil {
		a.log.Warn("marshal transcript", "err", err)
		return
	}
	histJSON, err := json.Marshal(a.ctrl.History().State())
	if err != nil {
		a.log.Warn("marshal history", "err", err)
		return
	}
	var learned json.RawMessage
	if m := a.ctrl.Learned(); len(m) > 0 {
		learned, _ = json.Marshal(m)
	}
	if err := a.store.Save(ctx, projectstore.Record{
		ProjectID:      a.projID,
		TranscriptJSON: transcript,
		HistoryJSON:    histJSON,
		LearnedJSON:    learned,
	}); err != nil {
		a.log.Warn("save project", "err", err)
	}
}

func (a *app) writeDocument() {
	if a.out == "" {
		return
	}
	cur, ok := a.ctrl.History().Current()
	if !ok {
		return
	}
	if err := os.WriteFile(a.out, []byte(cur.Document), 0o644); err != nil {
		a.log.Warn("write document", "path", a.out, "err", err)
		return
	}
	fmt.Printf("wrote %s (%d bytes)\n", a.out, len(cur.Document))
}

func (a *app) repl(ctx context.Context) {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Print("> ")
		if !sc.Scan() {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ":") {
			if a.command(ctx, line) {
				return
			}
			continue
		}
		a.send(ctx, line)
	}
}

func (a *app) send(ctx context.Context, text string) {
	start := time.Now()
	resp, err := a.ctrl.Send(ctx, text)
	fmt.Print("\r\033[K")
	switch {
	case errors.Is(err, generate.ErrStopped):
		return
	case err != nil:
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println(resp.Message)
	for _, s := range resp.SuggestedReplies {
		fmt.Printf("  - %s\n", s)
	}
	if resp.UploadPrompt != "" {
		fmt.Printf("(images requested: %s — use :image PATH)\n", resp.UploadPrompt)
	}
	if resp.Document != "" {
		fmt.Printf("(generated in %s)\n", time.Since(start).Round(time.Millisecond))
		a.writeDocument()
	}
	a.save(ctx)
}

// command runs one colon command; it returns true when the REPL should exit.
func (a *app) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	hist := a.ctrl.History()

	switch cmd {
	case ":q", ":quit", ":exit":
		a.save(ctx)
		return true

	case ":help":
		printHelp()

	case ":undo":
		if _, err := hist.Undo(); err != nil {
			fmt.Printf("error: %v\n", err)
		} else {
			fmt.Printf("now at version %d\n", hist.Len())
			a.writeDocument()
			a.save(ctx)
		}

	case ":redo":
		if _, err := hist.Redo(); err != nil {
			fmt.Printf("error: %v\n", err)
		} else {
			fmt.Printf("now at version %d\n", hist.Len())
			a.writeDocument()
			a.save(ctx)
		}

	case ":versions":
		for i, v := range hist.Past() {
			fmt.Printf("  %3d  %s  (%d bytes)\n", i, msTime(v.CreatedAtUnixMs), len(v.Document))
		}
		if cur, ok := hist.Current(); ok {
			fmt.Printf("* %3d  %s  (%d bytes)\n", hist.Len(), msTime(cur.CreatedAtUnixMs), len(cur.Document))
		}
		if n := hist.FutureLen(); n > 0 {
			fmt.Printf("  (%d redoable)\n", n)
		}

	case ":restore":
		if len(args) != 1 {
			fmt.Println("usage: :restore INDEX")
			break
		}
		idx, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Println("usage: :restore INDEX")
			break
		}
		if _, err := hist.Restore(idx); err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		fmt.Printf("restored version %d\n", idx)
		a.writeDocument()
		a.save(ctx)

	case ":bookmark":
		if len(args) == 0 {
			fmt.Println("usage: :bookmark NAME")
			break
		}
		if _, ok := hist.Current(); !ok {
			fmt.Println("error: no version to bookmark")
			break
		}
		b := hist.AddBookmark(strings.Join(args, " "))
		fmt.Printf("bookmarked version %d as %q (%s)\n", b.VersionIndex, b.Name, b.ID)
		a.save(ctx)

	case ":bookmarks":
		for _, b := range hist.Bookmarks() {
			state := fmt.Sprintf("version %d", b.VersionIndex)
			if b.Orphaned {
				state = "orphaned"
			}
			fmt.Printf("  %s  %-20q %s\n", b.ID, b.Name, state)
		}

	case ":goto":
		if len(args) != 1 {
			fmt.Println("usage: :goto BOOKMARK_ID")
			break
		}
		b, found := findBookmark(hist, args[0])
		if !found {
			fmt.Println("error: bookmark not found")
			break
		}
		if _, err := hist.ResolveBookmark(b.ID); err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		if _, err := hist.Restore(b.VersionIndex); err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		fmt.Printf("restored bookmark %q (version %d)\n", b.Name, b.VersionIndex)
		a.writeDocument()
		a.save(ctx)

	case ":image":
		if len(args) == 0 {
			fmt.Println("usage: :image PATH [reference|content] [label...]")
			break
		}
		kind := imagepool.KindContent
		label := ""
		if len(args) > 1 {
			if args[1] == string(imagepool.KindReference) {
				kind = imagepool.KindReference
			}
			if len(args) > 2 {
				label = strings.Join(args[2:], " ")
			}
		}
		im, err := addImageFile(a.pool, args[0], kind, label)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		fmt.Printf("added %s image %s\n", im.Kind, im.ID)

	case ":images":
		for _, im := range a.pool.All() {
			hosted := "pending upload"
			if im.URL != "" {
				hosted = im.URL
			}
			fmt.Printf("  %s  %-9s %-20q %s\n", im.ID, im.Kind, im.Label, hosted)
		}

	case ":edit":
		if len(args) < 2 {
			fmt.Println("usage: :edit MESSAGE_ID TEXT")
			break
		}
		resp, err := a.ctrl.EditMessage(ctx, args[0], strings.Join(args[1:], " "))
		fmt.Print("\r\033[K")
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		fmt.Println(resp.Message)
		if resp.Document != "" {
			a.writeDocument()
		}
		a.save(ctx)

	case ":transcript":
		for _, m := range a.ctrl.Transcript() {
			fmt.Printf("  %s  %-9s %s\n", m.ID, m.Role, oneLine(m.Content))
		}

	case ":save":
		a.save(ctx)
		fmt.Println("saved")

	default:
		fmt.Printf("unknown command %s (try :help)\n", cmd)
	}
	return false
}

func addImageFile(pool *imagepool.Pool, path string, kind imagepool.Kind, label string) (imagepool.Image, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return imagepool.Image{}, err
	}
	contentType := contentTypeFor(path)
	uri := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(b)
	return pool.Add(uri, kind, label), nil
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".svg":
		return "image/svg+xml"
	default:
		return "application/octet-stream"
	}
}

func findBookmark(h *history.History, id string) (history.Bookmark, bool) {
	for _, b := range h.Bookmarks() {
		if b.ID == id || b.Name == id {
			return b, true
		}
	}
	return history.Bookmark{}, false
}

func printProjects(store *projectstore.Store) {
	recs, err := store.List(context.Background(), 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list projects: %v\n", err)
		os.Exit(1)
	}
	for _, r := range recs {
		fmt.Printf("%s  %s  %s\n", r.ProjectID, msTime(r.UpdatedAtUnixMs), r.Title)
	}
}

func printHelp() {
	fmt.Print(`commands:
  :undo / :redo            step through document versions
  :versions                list retained versions (* marks current)
  :restore INDEX           branch back to a version
  :bookmark NAME           bookmark the current version
  :bookmarks               list bookmarks
  :goto ID_OR_NAME         restore a bookmarked version
  :image PATH [kind]       attach an image (kind: content|reference)
  :images                  list attached images
  :edit ID TEXT            rewrite an earlier message and replay
  :transcript              show the conversation with message ids
  :save                    save the project now
  :quit                    save and exit
`)
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	if r := []rune(s); len(r) > 120 {
		s = string(r[:120]) + "..."
	}
	return strings.TrimSpace(s)
}

func msTime(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "pagesmith.sqlite"
	}
	return filepath.Join(home, ".pagesmith", "projects.sqlite")
}
