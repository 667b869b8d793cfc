package cmd

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	s3resolver "github.com/tanq16/riptide/downloaders/s3"
	"github.com/tanq16/riptide/internal"
	"github.com/tanq16/riptide/utils"
)

var (
	output      string
	downloadDir string
	workers     int
	chunks      int
	userAgent   string
	bandwidth   string
	redownload  string
	urlListFile string
	resumeFile  string
	cookieFile  string
	enableS3    bool
	debug       bool
)

var RiptideVersion = "dev"

// one download request, from args or the YAML list
type downloadEntry struct {
	Output string   `yaml:"op"`
	URLs   []string `yaml:"links"`
}

// resumeState is what a paused run writes next to the partial file and
// what --resume reads back.
type resumeState struct {
	ID       string                `yaml:"id"`
	File     string                `yaml:"file"`
	URLs     []string              `yaml:"links"`
	Received int64                 `yaml:"received"`
	Size     int64                 `yaml:"size"`
	Started  time.Time             `yaml:"started"`
	Chunks   []internal.Checkpoint `yaml:"chunks"`
}

var rootCmd = &cobra.Command{
	Use:     "riptide [urls...]",
	Short:   "Riptide is a parallel chunked download manager",
	Long:    "Riptide downloads one file from a set of mirror URLs with parallel range requests, resumable chunk state, and a global bandwidth cap. A URL may carry a referer as 'url<referer'.",
	Version: RiptideVersion,
	Args:    cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		if len(args) == 0 && urlListFile == "" && resumeFile == "" {
			utils.PrintError("No URL, URL list, or resume state provided")
			os.Exit(1)
		}
		if userAgent == "randomize" {
			userAgent = utils.GetRandomUserAgent()
		}
		var entries []downloadEntry
		if urlListFile != "" {
			var err error
			entries, err = readDownloadList(urlListFile)
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to read URL list: %v", err))
				os.Exit(1)
			}
		} else if len(args) > 0 {
			entries = []downloadEntry{{Output: output, URLs: args}}
		}
		if err := runDownloads(entries, resumeFile); err != nil {
			fmt.Println()
			utils.PrintError("Encountered failed download(s)")
			os.Exit(1)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&output, "output", "o", "", "Output file name (inferred from the URL if not provided; a server-supplied filename replaces it)")
	rootCmd.Flags().StringVarP(&downloadDir, "dir", "d", ".", "Directory to download into")
	rootCmd.Flags().StringVarP(&urlListFile, "urllist", "l", "", "Path to YAML file with download entries")
	rootCmd.Flags().StringVarP(&resumeFile, "resume", "r", "", "Path to a resume state file written by a paused run")
	rootCmd.Flags().IntVarP(&workers, "workers", "w", 4, "Maximum parallel range workers across all downloads")
	rootCmd.Flags().IntVarP(&chunks, "chunks", "c", 4, "Maximum chunks per download")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks one)")
	rootCmd.Flags().StringVarP(&bandwidth, "bandwidth", "b", "", "Global bandwidth cap per second (eg. 2MB, 500KB; empty = unlimited)")
	rootCmd.Flags().StringVar(&redownload, "redownload", "ask", "Name collision policy: always, never, ask, replace")
	rootCmd.Flags().StringVar(&cookieFile, "cookies", "", "Path to a Netscape cookies.txt file")

	// flags without shorthand
	rootCmd.Flags().BoolVar(&enableS3, "s3", false, "Resolve s3:// URLs via presigned links (uses AWS_PROFILE)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func readDownloadList(filePath string) ([]downloadEntry, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %v", err)
	}
	var entries []downloadEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing YAML file: %v", err)
	}
	for i, entry := range entries {
		if len(entry.URLs) == 0 {
			return nil, fmt.Errorf("missing links for entry %d", i+1)
		}
	}
	return entries, nil
}

func buildConfig(pm *internal.ProgressManager) (internal.Config, error) {
	var maxBandwidth int64
	if bandwidth != "" {
		parsed, err := humanize.ParseBytes(bandwidth)
		if err != nil {
			return internal.Config{}, fmt.Errorf("invalid bandwidth %q: %v", bandwidth, err)
		}
		maxBandwidth = int64(parsed)
	}
	var jar http.CookieJar
	if cookieFile != "" {
		var err error
		jar, err = utils.LoadCookies(cookieFile)
		if err != nil {
			utils.PrintWarning(fmt.Sprintf("Could not load cookies: %v", err))
		}
	}
	handlers := make(map[string]internal.ProtocolHandler)
	if enableS3 {
		resolver, err := s3resolver.NewResolver()
		if err != nil {
			return internal.Config{}, fmt.Errorf("s3 support unavailable: %v", err)
		}
		handlers["s3"] = resolver
	}
	return internal.Config{
		DownloadPath:     downloadDir,
		MaxWorkers:       workers,
		MaxChunks:        chunks,
		UserAgent:        userAgent,
		ProtocolHandlers: handlers,
		MaxBandwidth:     func() int64 { return maxBandwidth },
		SpeedCB:          pm.UpdateSpeed,
		FileExistsCB:     promptFileExists,
		CookieJar:        jar,
	}, nil
}

func promptFileExists(filename string) bool {
	fmt.Printf("%s exists, continue with a new name? [y/N] ", filename)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

type trackedDownload struct {
	id       string
	urls     []string
	file     string
	received int64
	size     int64
	started  time.Time
}

func runDownloads(entries []downloadEntry, resumePath string) error {
	pm := internal.NewProgressManager()
	cfg, err := buildConfig(pm)
	if err != nil {
		utils.PrintError(err.Error())
		return err
	}
	mgr := internal.NewManager(cfg)
	defer mgr.Close()
	pm.StartDisplay()
	defer func() {
		pm.Stop()
		pm.ShowSummary()
	}()

	var mu sync.Mutex
	tracked := make(map[string]*trackedDownload)
	var eg errgroup.Group

	launch := func(id string, urls []string, enqueue func(cbs internal.Callbacks) error) error {
		done := make(chan error, 1)
		cbs := internal.Callbacks{
			Progress: func(p internal.Progress) {
				pm.Update(id, p)
				mu.Lock()
				if t := tracked[id]; t != nil {
					t.received = p.Received
					t.size = p.TotalSize
					if p.FilePath != "" {
						t.file = p.FilePath
					}
				}
				mu.Unlock()
			},
			Finish: func(r internal.Result) {
				pm.Complete(id, r.FilePath, r.Size)
				done <- nil
			},
			Failed: func(err error) {
				pm.ReportError(id, err)
				done <- err
			},
		}
		mu.Lock()
		tracked[id] = &trackedDownload{id: id, urls: urls, started: time.Now()}
		mu.Unlock()
		pm.Register(id, urls[0])
		if err := enqueue(cbs); err != nil {
			pm.ReportError(id, err)
			return err
		}
		eg.Go(func() error { return <-done })
		return nil
	}

	policy := internal.RedownloadPolicy(redownload)
	var launchErrs []error
	if resumePath != "" {
		state, err := readResumeState(resumePath)
		if err != nil {
			utils.PrintError(fmt.Sprintf("Failed to read resume state: %v", err))
			return err
		}
		err = launch(state.ID, state.URLs, func(cbs internal.Callbacks) error {
			return mgr.Resume(state.ID, state.File, state.URLs, state.Received, state.Size, state.Started, state.Chunks, cbs)
		})
		if err != nil {
			launchErrs = append(launchErrs, err)
		}
	}
	for _, entry := range entries {
		id := uuid.NewString()
		urls := entry.URLs
		name := entry.Output
		err := launch(id, urls, func(cbs internal.Callbacks) error {
			return mgr.Enqueue(id, urls, name, downloadDir, policy, cbs)
		})
		if err != nil {
			launchErrs = append(launchErrs, err)
		}
	}

	// An interrupt pauses everything and writes resume state files.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		mu.Lock()
		all := make([]*trackedDownload, 0, len(tracked))
		for _, t := range tracked {
			all = append(all, t)
		}
		mu.Unlock()
		for _, t := range all {
			cps := mgr.Pause(t.id)
			if len(cps) == 0 {
				continue
			}
			writeResumeState(t, cps)
		}
	}()

	err = eg.Wait()
	if err == nil && len(launchErrs) > 0 {
		err = launchErrs[0]
	}
	return err
}

func readResumeState(path string) (*resumeState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state resumeState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.ID == "" {
		state.ID = uuid.NewString()
	}
	return &state, nil
}

func writeResumeState(t *trackedDownload, cps []internal.Checkpoint) {
	state := resumeState{
		ID:       t.id,
		File:     t.file,
		URLs:     t.urls,
		Received: t.received,
		Size:     t.size,
		Started:  t.started,
		Chunks:   cps,
	}
	data, err := yaml.Marshal(&state)
	if err != nil {
		return
	}
	statePath := t.file + ".riptide.yaml"
	if err := os.WriteFile(statePath, data, 0644); err != nil {
		utils.PrintWarning(fmt.Sprintf("Could not write resume state: %v", err))
		return
	}
	utils.PrintInfo(fmt.Sprintf("Paused; resume with: riptide -r %s", statePath))
}
