package allocator

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/memsim/blocklist"
	"github.com/vkngwrapper/memsim/internal/utils"
	"github.com/vkngwrapper/memsim/memutils"
	"golang.org/x/exp/slog"
)

// CreateOptions contains settings when creating an allocator. Only Size is required.
type CreateOptions struct {
	// Size is the number of bytes in the simulated arena
	Size int
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// DefaultStrategy is used by allocations that do not request a strategy. If it is left
	// empty, AllocationStrategyMinMemory is used.
	DefaultStrategy AllocationStrategy
	// MinAlignment is applied to every allocation whose requested alignment is smaller. It must be
	// a power of two. If it is left empty, 1 is used.
	MinAlignment uint
}

// New creates a new Allocator managing an arena of options.Size bytes, all of which start out free.
//
// logger - Receives debug records for each allocation and free, and error records for allocations
// that are still live when the allocator is destroyed. It may be nil.
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if options.Size <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "arena size is %d", options.Size)
	}

	minAlignment := options.MinAlignment
	if minAlignment == 0 {
		minAlignment = 1
	}

	err := memutils.CheckPow2(minAlignment, "CreateOptions.MinAlignment")
	if err != nil {
		return nil, err
	}
	if minAlignment > uint(options.Size) {
		return nil, errors.Wrapf(memutils.ErrInvalidAlignment, "minimum alignment %d, arena size %d", minAlignment, options.Size)
	}

	defaultStrategy := options.DefaultStrategy
	if defaultStrategy == 0 {
		defaultStrategy = AllocationStrategyMinMemory
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	allocator := &Allocator{
		logger:          logger,
		mutex:           utils.OptionalRWMutex{UseMutex: options.Flags&AllocatorCreateExternallySynchronized == 0},
		createFlags:     options.Flags,
		defaultStrategy: defaultStrategy,
		minAlignment:    minAlignment,

		size:    options.Size,
		data:    make([]byte, options.Size),
		handles: swiss.NewMap[Handle, *Allocation](42),
		offsets: swiss.NewMap[int, *Allocation](42),
	}

	allocator.free.AddLast(blocklist.MemoryBlock{Offset: 0, Size: options.Size})

	logger.Debug("Allocator::New",
		slog.Int("Size", options.Size),
		slog.String("Flags", options.Flags.String()),
		slog.String("DefaultStrategy", defaultStrategy.String()),
	)

	return allocator, nil
}
