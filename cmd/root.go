package cmd

import (
	"fmt"
	u "net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tanmayb/downpour/internal/client"
	"github.com/tanmayb/downpour/internal/config"
	"github.com/tanmayb/downpour/internal/download"
	"github.com/tanmayb/downpour/internal/events"
	"github.com/tanmayb/downpour/internal/output"
	"github.com/tanmayb/downpour/internal/queue"
	"github.com/tanmayb/downpour/internal/task"
	"github.com/tanmayb/downpour/utils"
)

var (
	configFile  string
	outputPath  string
	urlListFile string
	maxActive   int
	connections int
	chunkSize   int64
	speedLimit  int64
	timeoutSecs int
	proxyURL    string
	userAgent   string
	headers     []string
	checksumArg string
	priorityArg string
	autoRename  bool
	quiet       bool
	debug       bool
)

var DownpourVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "downpour [url...]",
	Short:   "Downpour is a resumable, concurrent download manager",
	Version: DownpourVersion,
	Args:    cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		utils.InitLogger(debug)
		if len(args) == 0 && urlListFile == "" {
			return fmt.Errorf("no URL or URL list provided")
		}
		if urlListFile != "" && len(args) > 0 {
			return fmt.Errorf("cannot specify url arguments and --urllist together, choose one")
		}
		if outputPath != "" && len(args) > 1 {
			return fmt.Errorf("--output only applies to a single URL")
		}

		cfg, err := buildConfig(cmd)
		if err != nil {
			return err
		}
		headerMap, err := utils.ParseHeaderArgs(headers)
		if err != nil {
			return err
		}

		type request struct {
			url, dest string
			priority  task.Priority
			checksum  *task.Checksum
		}
		var requests []request
		if urlListFile != "" {
			entries, err := utils.ReadDownloadList(urlListFile)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				prio, err := task.ParsePriority(entry.Priority)
				if err != nil {
					return err
				}
				cs, err := task.ParseChecksum(entry.Checksum)
				if err != nil {
					return err
				}
				requests = append(requests, request{url: entry.URL, dest: entry.OutputPath, priority: prio, checksum: cs})
			}
		} else {
			prio, err := task.ParsePriority(priorityArg)
			if err != nil {
				return err
			}
			cs, err := task.ParseChecksum(checksumArg)
			if err != nil {
				return err
			}
			for _, rawURL := range args {
				dest := outputPath
				if dest == "" {
					dest = destFromURL(rawURL)
				}
				requests = append(requests, request{url: rawURL, dest: dest, priority: prio, checksum: cs})
			}
		}

		httpClient, err := client.New(client.Config{
			Timeout:   cfg.Timeout(),
			ProxyURL:  cfg.ProxyURL,
			UserAgent: cfg.UserAgent,
			Headers:   cfg.DefaultHeaders,
		})
		if err != nil {
			return err
		}
		statePath, err := cfg.StatePath()
		if err != nil {
			return err
		}

		bus := events.NewBus()
		coord := queue.New(cfg, httpClient, bus, statePath)
		display := output.NewDisplay(quiet)
		displayDone := make(chan struct{})
		go func() {
			display.Watch(bus.Events())
			close(displayDone)
		}()

		remaining := len(requests)
		allDone := make(chan struct{})
		if err := coord.OnComplete(func(taskID string, outcome download.Outcome) {
			if outcome == download.OutcomePaused {
				return
			}
			remaining--
			if remaining == 0 {
				close(allDone)
			}
		}); err != nil {
			return err
		}
		if err := coord.Start(); err != nil {
			return err
		}

		for _, r := range requests {
			id, err := coord.Add(r.url, r.dest, queue.AddOptions{
				Priority:   r.priority,
				Checksum:   r.checksum,
				Headers:    headerMap,
				AutoRename: autoRename,
			})
			if err != nil {
				return err
			}
			display.Label(id, filepath.Base(r.dest))
		}

		<-allDone
		coord.Stop()
		<-displayDone
		if !quiet {
			display.Summary()
		}
		return nil
	},
}

func buildConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	flagOverrides := map[string]func(){
		"workers":     func() { cfg.MaxActiveTasks = maxActive },
		"connections": func() { cfg.MaxConcurrentChunks = connections },
		"chunk-size":  func() { cfg.ChunkSize = chunkSize },
		"speed-limit": func() { cfg.SpeedLimitBytesPerSec = speedLimit },
		"timeout":     func() { cfg.TimeoutSeconds = timeoutSecs },
		"proxy":       func() { cfg.ProxyURL = proxyURL },
		"user-agent":  func() { cfg.UserAgent = userAgent },
	}
	for name, apply := range flagOverrides {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func destFromURL(rawURL string) string {
	parsed, err := u.Parse(rawURL)
	if err != nil || parsed.Path == "" || parsed.Path == "/" {
		return "download"
	}
	parts := strings.Split(strings.TrimSuffix(parsed.Path, "/"), "/")
	name := parts[len(parts)-1]
	if name == "" {
		return "download"
	}
	return name
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		output.PrintError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (single URL only)")
	rootCmd.Flags().StringVar(&urlListFile, "urllist", "", "YAML file with a list of downloads")
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	rootCmd.Flags().IntVar(&maxActive, "workers", config.DefaultMaxActiveTasks, "Maximum simultaneously active downloads")
	rootCmd.Flags().IntVar(&connections, "connections", config.DefaultMaxConcurrentChunks, "Parallel connections per download")
	rootCmd.Flags().Int64Var(&chunkSize, "chunk-size", config.DefaultChunkSize, "Target chunk size in bytes")
	rootCmd.Flags().Int64Var(&speedLimit, "speed-limit", 0, "Per-download rate cap in bytes/second (0 = unlimited)")
	rootCmd.Flags().IntVar(&timeoutSecs, "timeout", config.DefaultTimeoutSeconds, "Connect and read timeout in seconds")
	rootCmd.Flags().StringVar(&proxyURL, "proxy", "", "Proxy URL (http://, https:// or socks5://)")
	rootCmd.Flags().StringVar(&userAgent, "user-agent", "", "User agent header")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Extra header as 'Name: Value' (repeatable)")
	rootCmd.Flags().StringVar(&checksumArg, "checksum", "", "Expected digest as algo:hex (md5 or sha256)")
	rootCmd.Flags().StringVar(&priorityArg, "priority", "normal", "Task priority: low, normal or high")
	rootCmd.Flags().BoolVar(&autoRename, "auto-rename", false, "Rename on destination collision instead of overwriting")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Disable the live progress display")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
