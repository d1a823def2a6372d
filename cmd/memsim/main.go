package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
	"github.com/vkngwrapper/memsim/allocator"
	"golang.org/x/exp/slog"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".exit"),
	readline.PcItem("alloc"),
	readline.PcItem("free"),
	readline.PcItem("list"),
	readline.PcItem("stats"),
	readline.PcItem("json"),
	readline.PcItem("defrag"),
	readline.PcItem("validate"),
)

// Config holds the application configuration
type Config struct {
	Size     int
	Strategy string
	Debug    bool
}

func parseFlags() Config {
	var config Config
	flag.IntVar(&config.Size, "size", 64*1024, "size of the simulated arena in bytes")
	flag.StringVar(&config.Strategy, "strategy", "min-memory", "default placement strategy: min-memory, min-time, or min-offset")
	flag.BoolVar(&config.Debug, "debug", false, "log every allocation and free")
	flag.Parse()

	return config
}

func main() {
	config := parseFlags()

	strategy, err := parseStrategy(config.Strategy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if config.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(os.Stderr))

	alloc, err := allocator.New(logger, allocator.CreateOptions{
		Size:            config.Size,
		Flags:           allocator.AllocatorCreateExternallySynchronized,
		DefaultStrategy: strategy,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating allocator: %s\n", err)
		os.Exit(1)
	}

	runInteractive(&session{alloc: alloc})

	// Anything still live is reported by Destroy
	if err := alloc.Destroy(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func runInteractive(s *session) {
	fmt.Printf("memsim: %d byte arena\n", s.alloc.Size())
	fmt.Println("Enter .help for usage hints.")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "memsim> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".memsim_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					return
				}
				continue
			} else if readErr == io.EOF {
				return
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		exit, err := s.execute(os.Stdout, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		if exit {
			return
		}
	}
}
