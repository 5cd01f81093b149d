package engine

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/picklr-io/reconciler/internal/logging"
)

type activeAction struct {
	plugin string
	action string
	target string
	since  time.Time
}

func (a activeAction) String() string {
	return fmt.Sprintf("%s %s %s (running %s)", a.plugin, a.action, a.target, time.Since(a.since).Round(time.Millisecond))
}

// crashGuard tracks in-flight plugin actions. If the process is interrupted
// or panics while one is active, it records that rollback could not be
// guaranteed. It cannot recover anything itself.
type crashGuard struct {
	logPath string

	mu     sync.Mutex
	nextID int
	active map[int]activeAction

	sigs chan os.Signal
	stop chan struct{}
	done chan struct{}
}

func newCrashGuard(logPath string) *crashGuard {
	return &crashGuard{logPath: logPath, active: make(map[int]activeAction)}
}

// start installs the signal hook until the returned func is called.
func (g *crashGuard) start() func() {
	g.sigs = make(chan os.Signal, 1)
	g.stop = make(chan struct{})
	g.done = make(chan struct{})
	signal.Notify(g.sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer close(g.done)
		select {
		case sig := <-g.sigs:
			g.report("received " + sig.String())
			signal.Stop(g.sigs)
			signal.Reset(sig)
			if p, err := os.FindProcess(os.Getpid()); err == nil {
				_ = p.Signal(sig)
			}
		case <-g.stop:
		}
	}()

	return func() {
		signal.Stop(g.sigs)
		close(g.stop)
		<-g.done
	}
}

// enter marks an action as running until the returned func is called.
func (g *crashGuard) enter(plugin, action, target string) func() {
	if g == nil {
		return func() {}
	}
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.active[id] = activeAction{plugin: plugin, action: action, target: target, since: time.Now()}
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		delete(g.active, id)
		g.mu.Unlock()
	}
}

func (g *crashGuard) snapshot() []activeAction {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]activeAction, 0, len(g.active))
	for _, a := range g.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].since.Before(out[j].since) })
	return out
}

// report logs a warning for every active action and appends them to the
// crash log. It does nothing when no action is active.
func (g *crashGuard) report(reason string) {
	if g == nil {
		return
	}
	active := g.snapshot()
	if len(active) == 0 {
		return
	}

	lines := make([]string, 0, len(active))
	for _, a := range active {
		logging.Warn("abnormal termination during plugin action, rollback could not be guaranteed",
			"reason", reason, "plugin", a.plugin, "action", a.action, "target", a.target)
		lines = append(lines, a.String())
	}

	if g.logPath == "" {
		return
	}
	f, err := os.OpenFile(g.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logging.Error("failed to write crash log", "path", g.logPath, "error", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s: rollback could not be guaranteed\n  %s\n",
		time.Now().UTC().Format(time.RFC3339), reason, strings.Join(lines, "\n  "))
}
