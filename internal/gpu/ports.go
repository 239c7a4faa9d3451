package gpu

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Known model services. Each is an HTTP shim in front of one locally
// served model.
const (
	ServiceLLM    = "llm"
	ServiceImage  = "image"
	ServiceVision = "vision"
	ServiceVLM    = "vlm"
)

// Services lists every known service in a fixed order.
var Services = []string{ServiceLLM, ServiceImage, ServiceVision, ServiceVLM}

var defaultPorts = map[string]int{
	ServiceLLM:    8003,
	ServiceImage:  8001,
	ServiceVision: 8002,
	ServiceVLM:    8004,
}

const portWatchDebounce = 500 * time.Millisecond

// portResolver turns a service name into a base URL. Priority per call:
// the service's port file under the services dir, then a configured
// override, then the well-known default port. Resolved URLs are cached
// only while an fsnotify watcher can invalidate them; without a watcher
// every call re-reads the port file.
type portResolver struct {
	servicesDir string
	overrides   map[string]string

	mu    sync.Mutex
	cache map[string]string

	watcher *fsnotify.Watcher
	pending map[string]time.Time
	quit    chan struct{}
	done    chan struct{}
}

func newPortResolver(servicesDir string, overrides map[string]string) *portResolver {
	r := &portResolver{
		servicesDir: servicesDir,
		overrides:   overrides,
		pending:     make(map[string]time.Time),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("gpu: services dir watcher unavailable, port caching disabled", "error", err)
		close(r.done)
		return r
	}
	if err := w.Add(servicesDir); err != nil {
		slog.Warn("gpu: cannot watch services dir, port caching disabled", "dir", servicesDir, "error", err)
		w.Close()
		close(r.done)
		return r
	}
	r.watcher = w
	r.cache = make(map[string]string)
	go r.run()
	return r
}

func (r *portResolver) close() {
	if r.watcher == nil {
		return
	}
	close(r.quit)
	<-r.done
	r.watcher.Close()
}

// run drains watcher events, debouncing port-file churn before dropping
// cache entries. STOP_LOCK transitions are only observed here; the
// coordinator re-checks the marker on every ensure.
func (r *portResolver) run() {
	defer close(r.done)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(event)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("gpu: services dir watcher error", "error", err)
		case <-ticker.C:
			r.flushPending()
		}
	}
}

func (r *portResolver) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	name := filepath.Base(event.Name)

	if svc, ok := stopLockService(name); ok {
		slog.Info("gpu: stop lock changed", "service", svc, "op", event.Op.String())
		return
	}

	svc, ok := portFileService(name)
	if !ok {
		return
	}
	r.mu.Lock()
	r.pending[svc] = time.Now()
	r.mu.Unlock()
}

func (r *portResolver) flushPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for svc, at := range r.pending {
		if now.Sub(at) < portWatchDebounce {
			continue
		}
		delete(r.pending, svc)
		delete(r.cache, svc)
		slog.Info("gpu: port mapping invalidated", "service", svc)
	}
}

// BaseURL resolves the service's base URL.
func (r *portResolver) BaseURL(service string) string {
	r.mu.Lock()
	if r.cache != nil {
		if url, ok := r.cache[service]; ok {
			r.mu.Unlock()
			return url
		}
	}
	r.mu.Unlock()

	url := r.resolve(service)

	r.mu.Lock()
	if r.cache != nil {
		r.cache[service] = url
	}
	r.mu.Unlock()
	return url
}

func (r *portResolver) resolve(service string) string {
	if port, ok := r.readPortFile(service); ok {
		return fmt.Sprintf("http://127.0.0.1:%d", port)
	}
	if url, ok := r.overrides[service]; ok && url != "" {
		return strings.TrimSuffix(url, "/")
	}
	return fmt.Sprintf("http://127.0.0.1:%d", defaultPorts[service])
}

func (r *portResolver) readPortFile(service string) (int, bool) {
	data, err := os.ReadFile(portFilePath(r.servicesDir, service))
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

func portFilePath(servicesDir, service string) string {
	return filepath.Join(servicesDir, "."+service+".port")
}

func stopLockPath(servicesDir, service string) string {
	return filepath.Join(servicesDir, service+".STOP_LOCK")
}

func portFileService(base string) (string, bool) {
	if !strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ".port") {
		return "", false
	}
	svc := strings.TrimSuffix(strings.TrimPrefix(base, "."), ".port")
	if _, ok := defaultPorts[svc]; !ok {
		return "", false
	}
	return svc, true
}

func stopLockService(base string) (string, bool) {
	svc, ok := strings.CutSuffix(base, ".STOP_LOCK")
	if !ok {
		return "", false
	}
	if _, known := defaultPorts[svc]; !known {
		return "", false
	}
	return svc, true
}
