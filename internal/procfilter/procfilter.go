// Package procfilter resolves the processes to observe and keeps the tracked
// set in line with what is running.
package procfilter

import (
	"context"
	"errors"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/prometheus/procfs"

	"runqlat_exporter/internal/controller"
	"runqlat_exporter/internal/logger"
)

// Tracker is the part of the controller the filter drives.
type Tracker interface {
	Track(tgids []uint32) error
	Untrack(tgids []uint32) error
}

var _ Tracker = (*controller.Controller)(nil)

// Options selects processes. A tgid matches when it is listed in Pids, its
// comm matches one of IncludeNames, or it is this process and IncludeSelf is set.
type Options struct {
	Pids           []uint32
	IncludeNames   []string
	IncludeSelf    bool
	RescanInterval time.Duration
	// ProcRoot is the procfs mount point, procfs.DefaultMountPoint when empty.
	ProcRoot string
}

// Filter tracks the matching tgids and remembers their comm names.
type Filter struct {
	fs       procfs.FS
	pids     map[uint32]struct{}
	patterns []*regexp.Regexp
	interval time.Duration
	tracker  Tracker

	mu      sync.RWMutex
	tracked map[uint32]struct{}
	names   map[uint32]string

	log log.Logger
}

func New(opts Options, tracker Tracker) (*Filter, error) {
	root := opts.ProcRoot
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, err
	}

	f := &Filter{
		fs:       fs,
		pids:     make(map[uint32]struct{}, len(opts.Pids)+1),
		interval: opts.RescanInterval,
		tracker:  tracker,
		tracked:  make(map[uint32]struct{}),
		names:    make(map[uint32]string),
		log:      logger.NewLoggerWithContext("procfilter"),
	}
	for _, pid := range opts.Pids {
		f.pids[pid] = struct{}{}
	}
	if opts.IncludeSelf {
		f.pids[uint32(os.Getpid())] = struct{}{}
	}

	f.patterns = make([]*regexp.Regexp, 0, len(opts.IncludeNames))
	for _, pattern := range opts.IncludeNames {
		re, err := regexp.Compile(pattern)
		if err != nil {
			f.log.Error().Err(err).Str("pattern", pattern).Msg("Failed to compile process name filter regex, pattern will be ignored.")
			continue
		}
		f.patterns = append(f.patterns, re)
	}

	if len(f.pids) == 0 && len(f.patterns) == 0 {
		f.log.Warn().Msg("No pids or process names configured, nothing will be tracked")
	}
	return f, nil
}

func (f *Filter) matches(comm string) bool {
	for _, re := range f.patterns {
		if re.MatchString(comm) {
			return true
		}
	}
	return false
}

// Resolve returns every tgid that should be tracked with its comm name.
// Explicit pids are returned even when no such process exists.
func (f *Filter) Resolve() (map[uint32]string, error) {
	want := make(map[uint32]string, len(f.pids))
	for pid := range f.pids {
		want[pid] = ""
	}

	procs, err := f.fs.AllProcs()
	if err != nil {
		return want, err
	}
	for _, p := range procs {
		comm, err := p.Comm()
		if err != nil {
			// The process exited while we were walking /proc.
			continue
		}
		tgid := uint32(p.PID)
		if _, ok := want[tgid]; ok || f.matches(comm) {
			want[tgid] = comm
		}
	}
	return want, nil
}

// Sync tracks newly matching tgids and untracks the ones that no longer
// match. Explicit pids are never untracked.
func (f *Filter) Sync() error {
	want, err := f.Resolve()
	if err != nil {
		f.log.Warn().Err(err).Msg("Failed to list processes, only explicit pids will be tracked")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var add, remove []uint32
	for tgid := range want {
		if _, ok := f.tracked[tgid]; !ok {
			add = append(add, tgid)
		}
	}
	for tgid := range f.tracked {
		if _, ok := want[tgid]; ok {
			continue
		}
		if _, explicit := f.pids[tgid]; explicit {
			continue
		}
		remove = append(remove, tgid)
	}

	var errs []error
	if len(add) > 0 {
		failed := map[uint32]error{}
		if err := f.tracker.Track(add); err != nil {
			var perr *controller.PartialError
			if !errors.As(err, &perr) {
				return err
			}
			failed = perr.Failed
			errs = append(errs, err)
			f.log.Warn().Err(err).Int("failed", len(failed)).Msg("Some processes could not be tracked")
		}
		for _, tgid := range add {
			if _, bad := failed[tgid]; !bad {
				f.tracked[tgid] = struct{}{}
			}
		}
	}

	if len(remove) > 0 {
		if err := f.tracker.Untrack(remove); err != nil {
			errs = append(errs, err)
		}
		for _, tgid := range remove {
			delete(f.tracked, tgid)
			delete(f.names, tgid)
		}
	}

	for tgid, comm := range want {
		if comm != "" {
			f.names[tgid] = comm
		}
	}

	if len(add) > 0 || len(remove) > 0 {
		f.log.Debug().Int("added", len(add)).Int("removed", len(remove)).Int("tracked", len(f.tracked)).Msg("Tracked processes updated")
	}
	return errors.Join(errs...)
}

// Run syncs once, then again every RescanInterval until ctx is done.
// With a zero interval it only syncs once.
func (f *Filter) Run(ctx context.Context) error {
	if err := f.Sync(); err != nil {
		f.log.Warn().Err(err).Msg("Initial process sync incomplete")
	}
	if f.interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := f.Sync(); err != nil {
				f.log.Warn().Err(err).Msg("Process rescan incomplete")
			}
		}
	}
}

// Tracked returns the number of tgids the filter has tracked.
func (f *Filter) Tracked() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.tracked)
}

// Name returns the last seen comm of tgid, or its number when unknown.
func (f *Filter) Name(tgid uint32) string {
	f.mu.RLock()
	name, ok := f.names[tgid]
	f.mu.RUnlock()
	if ok {
		return name
	}

	if p, err := f.fs.Proc(int(tgid)); err == nil {
		if comm, err := p.Comm(); err == nil {
			f.mu.Lock()
			f.names[tgid] = comm
			f.mu.Unlock()
			return comm
		}
	}
	return strconv.FormatUint(uint64(tgid), 10)
}
