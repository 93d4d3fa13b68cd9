package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"golang.org/x/sync/semaphore"

	"github.com/moondream/station/pkg/capability"
	"github.com/moondream/station/pkg/logging"
	"github.com/moondream/station/pkg/manifest"
)

var (
	// ErrUnsupportedCapability is returned by Handle.Invoke when the
	// target capability isn't in the backend's declared+implemented
	// intersection.
	ErrUnsupportedCapability = errors.New("backend: unsupported capability")

	// ErrFactoryNotRegistered is returned by Load when no ProviderFactory
	// has been registered for the backend's entry module.
	ErrFactoryNotRegistered = errors.New("backend: no provider factory registered for entry module")

	// ErrEntryModuleMissing is returned by Ensure when the bundle doesn't
	// contain the declared entry module after extraction.
	ErrEntryModuleMissing = errors.New("backend: entry module missing after download")
)

// maximumConcurrentInstalls bounds how many requirements provisioning
// runs may execute at once.
const maximumConcurrentInstalls = 2

// Loader downloads backend bundles, provisions their Python
// requirements, and constructs Provider instances through the
// registered factories.
type Loader struct {
	backendsDir string
	pythonPath  string
	httpClient  *http.Client
	log         logging.Logger

	installSem *semaphore.Weighted

	mu      sync.Mutex
	ensured map[string]bool // backendID -> bundle present & requirements satisfied
}

// Option configures a Loader at construction time.
type Option func(*Loader)

// WithPythonPath pins the python3 interpreter used for requirements checks.
func WithPythonPath(path string) Option {
	return func(l *Loader) { l.pythonPath = path }
}

// WithHTTPClient overrides the HTTP client used for http(s) bundle downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) { l.httpClient = c }
}

// WithLogger attaches a logger used for download/provisioning progress.
func WithLogger(log logging.Logger) Option {
	return func(l *Loader) { l.log = log }
}

// NewLoader constructs a Loader that stores backend bundles under
// <modelsDir>/backends/<backend-id>/.
func NewLoader(modelsDir string, opts ...Option) *Loader {
	l := &Loader{
		backendsDir: filepath.Join(modelsDir, "backends"),
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		log:         logging.NewLogger(logging.ParseLevel("")),
		installSem:  semaphore.NewWeighted(maximumConcurrentInstalls),
		ensured:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loader) backendDir(backendID string) string {
	return filepath.Join(l.backendsDir, backendID)
}

// Ensure downloads and extracts info's bundle into the backend's
// directory if its entry module isn't already present, then provisions
// its requirements. It is safe to call repeatedly; subsequent calls for
// an already-ensured backend are no-ops.
func (l *Loader) Ensure(ctx context.Context, backendID string, info manifest.BackendInfo) error {
	l.mu.Lock()
	if l.ensured[backendID] {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	start := time.Now()
	dir := l.backendDir(backendID)
	entryFile := filepath.Join(dir, info.EntryModule+".py")
	log := logging.ForBackend(l.log, backendID)

	if _, err := os.Stat(entryFile); err != nil {
		if err := os.MkdirAll(l.backendsDir, 0o755); err != nil {
			return err
		}
		log.Info("downloading backend bundle", "source", info.DownloadURL)
		if err := l.fetchAndExtract(ctx, info.DownloadURL, dir); err != nil {
			return fmt.Errorf("backend %q: %w", backendID, err)
		}
		if _, err := os.Stat(entryFile); err != nil {
			return fmt.Errorf("%w: %s", ErrEntryModuleMissing, entryFile)
		}
	}

	if err := l.EnsureRequirements(ctx, backendID); err != nil {
		return err
	}

	l.mu.Lock()
	l.ensured[backendID] = true
	l.mu.Unlock()
	log.Info("backend ready", "elapsed", units.HumanDuration(time.Since(start)))
	return nil
}

// EnsureRequirements reads <backend-dir>/requirements.txt, if present,
// and installs whatever packages aren't already importable.
func (l *Loader) EnsureRequirements(ctx context.Context, backendID string) error {
	dir := l.backendDir(backendID)
	reqPath := filepath.Join(dir, "requirements.txt")

	content, err := os.ReadFile(reqPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	lines, err := parseRequirements(string(content))
	if err != nil {
		return err
	}

	pythonPath, err := pythonInterpreter(l.pythonPath, "")
	if err != nil {
		return err
	}

	if err := l.installSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.installSem.Release(1)

	log := logging.ForBackend(l.log, backendID)

	var missing []requirementLine
	for _, r := range lines {
		if tokens, err := splitEnvironmentMarker(r.raw); err == nil && len(tokens) > 0 {
			log.Debug("requirement carries environment marker", "package", r.packageName, "marker", strings.Join(tokens, " "))
		}
		if !isPackageInstalled(ctx, pythonPath, r.packageName) {
			missing = append(missing, r)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	log.Info("installing backend requirements", "count", len(missing))
	return installMissing(ctx, pythonPath, dir, missing)
}

// Load constructs one Provider instance for workerID via the factory
// registered for info.EntryModule, then wraps it in a Handle restricted
// to the intersection of info.Functions and the provider's own
// Capabilities().
func (l *Loader) Load(ctx context.Context, backendID string, info manifest.BackendInfo, workerID int, modelArgs map[string]any) (*Handle, error) {
	factory, ok := lookupFactory(info.EntryModule)
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrFactoryNotRegistered, info.EntryModule, RegisteredEntryModules())
	}

	dir := l.backendDir(backendID)
	provider, err := factory(ctx, dir, workerID, modelArgs)
	if err != nil {
		return nil, fmt.Errorf("backend %q worker %d: %w", backendID, workerID, err)
	}

	declared := make(map[string]bool, len(info.Functions))
	for _, fn := range info.Functions {
		declared[fn] = true
	}

	functions := make(map[capability.Name]bool)
	for _, cap := range provider.Capabilities() {
		if declared[string(cap)] {
			functions[cap] = true
		}
	}

	return &Handle{
		Descriptor: info,
		WorkerID:   workerID,
		provider:   provider,
		functions:  functions,
	}, nil
}

func (l *Loader) downloadToTemp(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("backend: download %q: unexpected status %d", url, resp.StatusCode)
	}

	// extractArchive picks the format from the file suffix.
	pattern := "backend-bundle-*.tmp"
	if strings.HasSuffix(req.URL.Path, ".zip") {
		pattern = "backend-bundle-*.zip"
	}
	tmp, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}
