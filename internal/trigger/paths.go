package trigger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	logx "coalesce/pkg/logx"
)

// rule maps one watched path to a target. A file rule matches that file only;
// a directory rule matches everything below it, recursively.
type rule struct {
	name string
	root string
	file bool
	t    Toucher
}

func (r rule) match(path string) bool {
	if r.file {
		return path == r.root
	}
	return path == r.root || strings.HasPrefix(path, r.root+string(filepath.Separator))
}

// Paths touches targets when files under their watched paths change.
type Paths struct {
	log logx.Logger
	w   *fsnotify.Watcher

	mu    sync.Mutex
	rules []rule
	dirs  map[string]int // watched dir -> number of rules using it
}

func NewPaths(log logx.Logger) (*Paths, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Paths{log: log, w: w, dirs: map[string]int{}}, nil
}

// Watch registers paths for name. Directories are watched recursively,
// files through their parent directory. It replaces an earlier registration
// of the same name.
func (p *Paths) Watch(name string, paths []string, t Toucher) error {
	name = strings.TrimSpace(name)
	if name == "" || t == nil {
		return errors.New("paths: name and target are required")
	}
	if len(paths) == 0 {
		return fmt.Errorf("paths %s: no paths", name)
	}

	rules := make([]rule, 0, len(paths))
	for _, raw := range paths {
		abs, err := filepath.Abs(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("paths %s: %w", name, err)
		}
		fi, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("paths %s: %w", name, err)
		}
		rules = append(rules, rule{name: name, root: abs, file: !fi.IsDir(), t: t})
	}

	p.Unwatch(name)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range rules {
		var dirs []string
		if r.file {
			dirs = []string{filepath.Dir(r.root)}
		} else {
			dirs = subdirs(r.root)
		}
		for _, d := range dirs {
			if err := p.addDirLocked(d); err != nil {
				return fmt.Errorf("paths %s: %w", name, err)
			}
		}
		p.rules = append(p.rules, r)
	}
	p.log.Debug("paths registered", logx.String("job", name), logx.Int("paths", len(rules)))
	return nil
}

// Unwatch drops every path registered for name.
func (p *Paths) Unwatch(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.rules[:0]
	for _, r := range p.rules {
		if r.name != name {
			kept = append(kept, r)
			continue
		}
		if r.file {
			p.removeDirLocked(filepath.Dir(r.root))
			continue
		}
		for d := range p.dirs {
			if r.match(d) {
				p.removeDirLocked(d)
			}
		}
	}
	p.rules = kept
}

func (p *Paths) addDirLocked(dir string) error {
	if p.dirs[dir] == 0 {
		if err := p.w.Add(dir); err != nil {
			return err
		}
	}
	p.dirs[dir]++
	return nil
}

func (p *Paths) removeDirLocked(dir string) {
	n, ok := p.dirs[dir]
	if !ok {
		return
	}
	if n <= 1 {
		delete(p.dirs, dir)
		_ = p.w.Remove(dir)
		return
	}
	p.dirs[dir] = n - 1
}

// Run delivers touches until ctx ends or the watcher is closed.
func (p *Paths) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-p.w.Events:
			if !ok {
				return nil
			}
			p.handle(ev)
		case err, ok := <-p.w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; touch everyone rather than miss a change.
				p.log.Warn("paths overflow; touching all", logx.Err(err))
				p.touchAll()
				continue
			}
			p.log.Warn("paths watch error", logx.Err(err))
		}
	}
}

func (p *Paths) handle(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	p.mu.Lock()
	var hit []Toucher
	seen := map[string]bool{}
	for _, r := range p.rules {
		if !r.match(path) {
			continue
		}
		// Follow directories created under a recursive rule.
		if !r.file && ev.Has(fsnotify.Create) {
			if fi, err := os.Stat(path); err == nil && fi.IsDir() {
				for _, d := range subdirs(path) {
					if err := p.addDirLocked(d); err != nil {
						p.log.Debug("paths add failed", logx.String("dir", d), logx.Err(err))
					}
				}
			}
		}
		if !seen[r.name] {
			seen[r.name] = true
			hit = append(hit, r.t)
		}
	}
	p.mu.Unlock()

	for _, t := range hit {
		t.Touch()
	}
	if len(hit) > 0 {
		p.log.Trace("paths.touch", logx.String("path", path), logx.String("op", ev.Op.String()), logx.Int("targets", len(hit)))
	}
}

func (p *Paths) touchAll() {
	p.mu.Lock()
	seen := map[string]bool{}
	var all []Toucher
	for _, r := range p.rules {
		if !seen[r.name] {
			seen[r.name] = true
			all = append(all, r.t)
		}
	}
	p.mu.Unlock()
	for _, t := range all {
		t.Touch()
	}
}

func (p *Paths) Close() error { return p.w.Close() }

// subdirs returns root and every directory below it. Unreadable entries are skipped.
func subdirs(root string) []string {
	var out []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	return out
}
