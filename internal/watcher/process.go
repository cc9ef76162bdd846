package watcher

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/mickyco94/gamemon/internal/config"
	"github.com/mitchellh/go-ps"
	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
)

// commLen is the length Linux truncates process names to in /proc/<pid>/stat
const commLen = 15

// Proc is a single row of the process table
type Proc struct {
	Pid  int
	PPid int
	Name string
	// Cmdline is empty for sources that do not capture it
	Cmdline string
}

// Source enumerates the processes running on the host
type Source func(ctx context.Context) ([]Proc, error)

// processes is swapped out in tests
var processes = ps.Processes

// PSSource lists processes through go-ps. Only process names are captured.
func PSSource() Source {
	return func(ctx context.Context) ([]Proc, error) {
		list, err := processes()
		if err != nil {
			return nil, err
		}

		procs := make([]Proc, 0, len(list))
		for _, p := range list {
			procs = append(procs, Proc{Pid: p.Pid(), PPid: p.PPid(), Name: p.Executable()})
		}
		return procs, nil
	}
}

// GopsutilSource lists processes through gopsutil, which also captures the
// command line. Processes that exit or deny access mid-scan are skipped.
func GopsutilSource() Source {
	return func(ctx context.Context) ([]Proc, error) {
		list, err := gopsproc.ProcessesWithContext(ctx)
		if err != nil {
			return nil, err
		}

		procs := make([]Proc, 0, len(list))
		for _, p := range list {
			name, err := p.NameWithContext(ctx)
			if err != nil {
				continue
			}
			ppid, _ := p.PpidWithContext(ctx)
			cmdline, _ := p.CmdlineWithContext(ctx)
			procs = append(procs, Proc{Pid: int(p.Pid), PPid: int(ppid), Name: name, Cmdline: cmdline})
		}
		return procs, nil
	}
}

// SourceFor resolves the scanner setting to a Source
func SourceFor(kind string) Source {
	if kind == config.ScannerGopsutil {
		return GopsutilSource()
	}
	return PSSource()
}

// Matcher decides whether a process is an instance of a configured executable
type Matcher interface {
	// Match reports whether p is target. target is already normalized.
	Match(target string, p Proc) bool
}

// MatcherFor resolves the match_mode setting to a Matcher
func MatcherFor(mode string) Matcher {
	if mode == config.MatchContains {
		return ContainsMatcher{}
	}
	return ExactMatcher{}
}

// ExactMatcher compares process names case-insensitively, ignoring any
// directory prefix and a trailing .exe on either side. A process name that
// was cut at the Linux comm length matches any target it is a prefix of.
type ExactMatcher struct{}

func (ExactMatcher) Match(target string, p Proc) bool {
	want := baseName(target)
	got := baseName(p.Name)

	if got == "" || want == "" {
		return false
	}

	if got == want {
		return true
	}

	return len(p.Name) == commLen && strings.HasPrefix(want, got)
}

// ContainsMatcher matches when the target occurs anywhere in the process
// name or command line, case-insensitively. grep is never a match.
//
// A program backgrounded by a start command outlives its shell and is no
// longer a child of the daemon, so if its command line names the target it
// keeps the episode alive until it exits.
type ContainsMatcher struct{}

func (ContainsMatcher) Match(target string, p Proc) bool {
	if target == "" || baseName(p.Name) == "grep" {
		return false
	}
	if strings.Contains(strings.ToLower(p.Name), target) {
		return true
	}
	return p.Cmdline != "" && strings.Contains(strings.ToLower(p.Cmdline), target)
}

func baseName(s string) string {
	s = config.Normalize(s)
	if i := strings.LastIndexAny(s, `/\`); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSuffix(s, ".exe")
}

// Snapshot is one atomic view of the process table, shared by every entry
// evaluated in a poll cycle.
type Snapshot struct {
	TakenAt time.Time

	procs   []Proc
	matcher Matcher
}

// Running reports whether at least one process matches executable
func (s *Snapshot) Running(executable string) bool {
	target := config.Normalize(executable)
	for _, p := range s.procs {
		if s.matcher.Match(target, p) {
			return true
		}
	}
	return false
}

// Len is the number of processes in the snapshot
func (s *Snapshot) Len() int { return len(s.procs) }

// Process scans the process table on demand
type Process struct {
	logger  logrus.FieldLogger
	source  Source
	matcher Matcher
	self    int
}

func NewProcess(logger logrus.FieldLogger, source Source, matcher Matcher) *Process {
	return &Process{
		logger:  logger,
		source:  source,
		matcher: matcher,
		self:    os.Getpid(),
	}
}

// Scan takes a fresh snapshot of the process table. The daemon and the
// shells it is running commands in are left out.
func (p *Process) Scan(ctx context.Context) (*Snapshot, error) {
	procs, err := p.source(ctx)
	if err != nil {
		return nil, err
	}

	filtered := make([]Proc, 0, len(procs))
	for _, proc := range procs {
		if proc.Pid == p.self || proc.PPid == p.self {
			continue
		}
		filtered = append(filtered, proc)
	}

	p.logger.WithField("processes", len(filtered)).Trace("Scanned process table")

	return &Snapshot{
		TakenAt: time.Now(),
		procs:   filtered,
		matcher: p.matcher,
	}, nil
}
