package cli

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/ftpferry/ftpferry/internal/config"
	"github.com/ftpferry/ftpferry/internal/diskio"
	"github.com/ftpferry/ftpferry/internal/events"
	"github.com/ftpferry/ftpferry/internal/listcache"
	"github.com/ftpferry/ftpferry/internal/openfiles"
	"github.com/ftpferry/ftpferry/internal/queue"
	"github.com/ftpferry/ftpferry/internal/worker"
)

var (
	uploadWorkers  int
	uploadMove     bool
	uploadAscii    bool
	uploadActive   bool
	uploadFTPS     bool
	uploadInsecure bool
	uploadProxy    string
	uploadExisting string
)

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload [flags] FILE... ftp://[user[:password]@]host[:port]/path",
		Short: "Upload files to an FTP/FTPS server",
		Long: `Uploads the given files to the remote directory named by the URL.
Collisions with existing remote files are handled by the configured
policies (resume, overwrite, autorename, skip); interrupted transfers
are retried and resumed where the server allows it.`,
		Args: cobra.MinimumNArgs(2),
		RunE: runUpload,
	}

	cmd.Flags().IntVarP(&uploadWorkers, "workers", "w", 0, "parallel connections (default from config)")
	cmd.Flags().BoolVar(&uploadMove, "move", false, "delete source files after upload")
	cmd.Flags().BoolVar(&uploadAscii, "ascii", false, "transfer in ASCII mode")
	cmd.Flags().BoolVar(&uploadActive, "active", false, "use active mode (PORT) instead of passive")
	cmd.Flags().BoolVar(&uploadFTPS, "ftps", false, "encrypt control and data connections (AUTH TLS)")
	cmd.Flags().BoolVar(&uploadInsecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().StringVar(&uploadProxy, "proxy", "", "SOCKS5 proxy for all connections (host:port)")
	cmd.Flags().StringVar(&uploadExisting, "if-exists", "",
		"policy when the target file exists: prompt|skip|autorename|resume|resume-or-overwrite|overwrite")

	return cmd
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rawURL := args[len(args)-1]
	sources := args[:len(args)-1]
	if err := applyURL(cfg, rawURL); err != nil {
		return err
	}
	applyFlags(cmd, cfg)

	if cfg.Host == "" {
		return fmt.Errorf("no host in %q", rawURL)
	}
	if cfg.Password == "" {
		pw, err := promptPassword(cfg.User, cfg.Host)
		if err != nil {
			return err
		}
		cfg.Password = pw
	}

	tgtPath := remotePath(rawURL)

	bus := events.NewBus(0)
	q := queue.New(bus)
	itemType := queue.TypeCopyFile
	if uploadMove {
		itemType = queue.TypeMoveFile
	}
	n, err := enqueueSources(q, sources, tgtPath, itemType)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("nothing to upload")
	}

	logger.Info().Int("files", n).Str("host", cfg.Host).Str("path", tgtPath).Msg("Starting upload")

	cache := listcache.New(bus)
	open := openfiles.NewRegistry()
	hostLog := logger.With().Str("host", cfg.Host).Logger()
	disk := diskio.New(hostLog)
	defer disk.Close()
	op := worker.NewOperation(cfg.PassiveMode)

	var tlsCfg *tls.Config
	if uploadInsecure {
		tlsCfg = &tls.Config{InsecureSkipVerify: true}
	}

	bar := progressbar.NewOptions(n,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("uploading"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	progressDone := watchProgress(bus, bar)

	g, ctx := errgroup.WithContext(cmd.Context())
	for i := 1; i <= cfg.Workers; i++ {
		w := worker.New(i, cfg, op, q, cache, open, disk, bus, tlsCfg, hostLog)
		g.Go(func() error { return w.Run(ctx) })
	}
	runErr := g.Wait()
	bus.Close()
	<-progressDone
	bar.Finish()

	printSummary(q)

	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	stats := q.GetStats()
	if stats.Failed > 0 || stats.UserInputNeeded > 0 || stats.Waiting > 0 {
		return fmt.Errorf("%d of %d files not uploaded", stats.Total()-stats.Done, stats.Total())
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, ".ftpferry", "config.csv")
		}
	}
	cfg, err := config.LoadConfigCSV(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// applyURL folds the target URL's authority into the config.
func applyURL(cfg *config.Config, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("bad target URL %q: %w", rawURL, err)
	}
	if u.Scheme != "ftp" && u.Scheme != "ftps" {
		return fmt.Errorf("target URL must use ftp:// or ftps://, got %q", rawURL)
	}
	if u.Scheme == "ftps" {
		cfg.EncryptControl = true
		cfg.EncryptData = true
	}
	if h := u.Hostname(); h != "" {
		cfg.Host = h
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("bad port in %q", rawURL)
		}
		cfg.Port = port
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			cfg.Password = pw
		}
	}
	if cfg.User == "" {
		cfg.User = "anonymous"
	}
	return nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if uploadWorkers > 0 {
		cfg.Workers = uploadWorkers
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if uploadActive {
		cfg.PassiveMode = false
	}
	if uploadFTPS {
		cfg.EncryptControl = true
		cfg.EncryptData = true
	}
	if uploadProxy != "" {
		cfg.ProxyAddr = uploadProxy
	}
	if cmd.Flags().Changed("if-exists") {
		if p, err := config.ParseCollisionPolicy(uploadExisting); err == nil {
			cfg.FileAlreadyExists = p
		} else {
			logger.Warn().Str("value", uploadExisting).Msg("Unknown if-exists policy, keeping configured one")
		}
	}
}

func remotePath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	p := u.Path
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func promptPassword(user, host string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no password given and stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "Password for %s@%s: ", user, host)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

// enqueueSources adds one queue item per named file. Directories are
// skipped with a warning; remote directory trees are out of reach of a
// single upload command.
func enqueueSources(q *queue.Queue, sources []string, tgtPath string, itemType queue.ItemType) (int, error) {
	n := 0
	for _, src := range sources {
		fi, err := os.Stat(src)
		if err != nil {
			return 0, fmt.Errorf("source %q: %w", src, err)
		}
		if fi.IsDir() {
			logger.Warn().Str("path", src).Msg("Skipping directory, give files explicitly")
			continue
		}
		dir, name := filepath.Split(src)
		if dir == "" {
			dir = "."
		}
		q.Add(queue.NewItem(itemType, filepath.Clean(dir), name, tgtPath, name, fi.Size(), uploadAscii))
		n++
	}
	return n, nil
}

// watchProgress advances the bar on every settled item until the bus
// closes.
func watchProgress(bus *events.Bus, bar *progressbar.ProgressBar) <-chan struct{} {
	done := make(chan struct{})
	ch := bus.SubscribeAll()
	go func() {
		defer close(done)
		for e := range ch {
			switch e.Type() {
			case events.EventItemDone, events.EventItemSkipped,
				events.EventItemFailed, events.EventItemNeedsUser:
				bar.Add(1)
			}
		}
	}()
	return done
}

func printSummary(q *queue.Queue) {
	stats := q.GetStats()
	logger.Info().
		Int("done", stats.Done).
		Int("skipped", stats.Skipped).
		Int("failed", stats.Failed).
		Int("needs_attention", stats.UserInputNeeded).
		Msg("Upload finished")

	for _, it := range q.Items() {
		switch it.State {
		case queue.StateFailed, queue.StateUserInputNeeded, queue.StateSkipped:
			ev := logger.Warn().Str("file", it.Name).Str("state", it.State.String()).
				Str("problem", it.Problem.String())
			if it.ErrDetail != "" {
				ev = ev.Str("detail", strings.TrimSpace(it.ErrDetail))
			}
			if it.ErrCode != nil {
				ev = ev.Err(it.ErrCode)
			}
			ev.Msg("Not uploaded")
		}
	}
}
