package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/memsim/allocator"
	"github.com/vkngwrapper/memsim/memutils"
)

const helpText = `
memsim - an interactive free-list allocator simulator.

Usage:
  memsim [options]

Options:
  -size int               - Size of the simulated arena in bytes (default 65536)
  -strategy string        - Default placement strategy: min-memory, min-time, or min-offset (default "min-memory")
  -debug                  - Log every allocation and free

Commands:
  .help                   - Show this help message
  .exit                   - Exit the program

  alloc SIZE [ALIGN] [NAME] - Allocate SIZE bytes, optionally aligned and named
  free HANDLE             - Free the allocation with the given handle
  list                    - List live allocations and free ranges
  stats                   - Show arena statistics
  json                    - Print a detailed json map of the arena
  defrag [MAX_MOVES]      - Compact live allocations toward the start of the arena
  validate                - Run consistency checks on the allocator
`

var strategies = map[string]allocator.AllocationStrategy{
	"min-memory": allocator.AllocationStrategyMinMemory,
	"min-time":   allocator.AllocationStrategyMinTime,
	"min-offset": allocator.AllocationStrategyMinOffset,
}

func parseStrategy(name string) (allocator.AllocationStrategy, error) {
	strategy, ok := strategies[strings.ToLower(name)]
	if !ok {
		return 0, errors.Errorf("unknown strategy %q", name)
	}
	return strategy, nil
}

// session executes REPL commands against a single allocator
type session struct {
	alloc *allocator.Allocator
}

// execute runs one line of input, writing any output to out. It returns true when the session
// should end.
func (s *session) execute(out io.Writer, line string) (bool, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, nil
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case ".help":
		fmt.Fprint(out, helpText)
	case ".exit":
		return true, nil
	case "alloc":
		return false, s.allocate(out, args)
	case "free":
		return false, s.free(out, args)
	case "list":
		s.list(out)
	case "stats":
		s.stats(out)
	case "json":
		writer := jwriter.NewWriter()
		s.alloc.PrintDetailedMap(&writer)
		if err := writer.Error(); err != nil {
			return false, err
		}
		fmt.Fprintln(out, string(writer.Bytes()))
	case "defrag":
		return false, s.defragment(out, args)
	case "validate":
		if err := s.alloc.Validate(); err != nil {
			return false, err
		}
		if err := s.alloc.CheckCorruption(); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "OK")
	default:
		return false, errors.Errorf("unknown command %q, enter .help for usage hints", parts[0])
	}

	return false, nil
}

func (s *session) allocate(out io.Writer, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return errors.New("usage: alloc SIZE [ALIGN] [NAME]")
	}

	size, err := strconv.Atoi(args[0])
	if err != nil {
		return errors.Wrap(err, "invalid size")
	}

	var options allocator.AllocationOptions
	if len(args) > 1 {
		alignment, err := strconv.ParseUint(args[1], 10, 0)
		if err != nil {
			return errors.Wrap(err, "invalid alignment")
		}
		options.Alignment = uint(alignment)
	}
	if len(args) > 2 {
		options.Name = args[2]
	}

	allocation, err := s.alloc.Allocate(size, options)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "handle %d: %s\n", allocation.Handle(), allocation.Block())
	return nil
}

func (s *session) free(out io.Writer, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: free HANDLE")
	}

	handle, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return errors.Wrap(err, "invalid handle")
	}

	err = s.alloc.Free(allocator.Handle(handle))
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "freed handle %d\n", handle)
	return nil
}

func (s *session) defragment(out io.Writer, args []string) error {
	if len(args) > 1 {
		return errors.New("usage: defrag [MAX_MOVES]")
	}

	var info allocator.DefragmentationInfo
	if len(args) == 1 {
		moves, err := strconv.Atoi(args[0])
		if err != nil || moves < 0 {
			return errors.Errorf("invalid move limit %q", args[0])
		}
		info.MaxAllocationsPerPass = moves
	}

	stats, err := s.alloc.Defragment(info)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "moved %d allocations (%d bytes)\n", stats.AllocationsMoved, stats.BytesMoved)
	return nil
}

func (s *session) list(out io.Writer) {
	allocations := s.alloc.Allocations()
	fmt.Fprintf(out, "allocations (%d):\n", len(allocations))
	for _, allocation := range allocations {
		name := allocation.Name()
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(out, "  %d\t%s\t%s\n", allocation.Handle(), allocation.Block(), name)
	}

	freeBlocks := s.alloc.FreeBlocks()
	fmt.Fprintf(out, "free ranges (%d):\n", len(freeBlocks))
	for _, block := range freeBlocks {
		fmt.Fprintf(out, "  %s\n", block)
	}
}

func (s *session) stats(out io.Writer) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	s.alloc.CalculateStatistics(&stats)

	fmt.Fprintf(out, "arena bytes:       %d\n", stats.ArenaBytes)
	fmt.Fprintf(out, "allocations:       %d (%d bytes)\n", stats.AllocationCount, stats.AllocationBytes)
	fmt.Fprintf(out, "free ranges:       %d (%d bytes)\n", stats.FreeRangeCount, stats.FreeBytes)
	if stats.FreeRangeCount > 0 {
		fmt.Fprintf(out, "largest free:      %d\n", stats.FreeRangeSizeMax)
	}
	fmt.Fprintf(out, "fragmentation:     %.2f\n", stats.Fragmentation())
}
