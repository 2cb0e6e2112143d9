package dnn

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Backend version thresholds. Versions are the backend's own integers
// (major*1000 + patch).
const (
	// minVersion is the oldest supported release; anything older must be
	// upgraded.
	minVersion = 2000
	// rcBandLow..rcBandHigh is a band of known-broken v3 release
	// candidates, rejected with a specific message.
	rcBandLow  = 3000
	rcBandHigh = 3007

	// Feature levels.
	ndDescriptorMinVersion = 3000 // 3-D spatial descriptors
	algoSelectMinVersion   = 3000 // fft and the guess/time selection variants
	logSoftmaxMinVersion   = 3000 // log-softmax mode
)

// Device requirements.
const (
	requiredDeviceFamily     = "cuda"
	minComputeCapability     = 30
	computeCapabilityUnknown = -1
)

// DeviceBinding answers the two questions the gate asks about the runtime
// device: is one bound at all, and what is it capable of.
type DeviceBinding interface {
	// Device returns the active device binding, e.g. "cuda0", or "" when
	// no device is bound.
	Device() string
	// ComputeCapability returns the device's compute-capability
	// identifier string, e.g. "sm_35".
	ComputeCapability() string
}

// CompileOptions describe a trial compile/link of the backend headers.
type CompileOptions struct {
	IncludePaths []string
	LibraryPaths []string
	Libraries    []string
}

// Toolchain attempts a trial compile/link against the backend and reports
// success plus diagnostic text.
type Toolchain interface {
	TryCompile(opts CompileOptions) (ok bool, diag string)
}

// SessionInfo is what a successfully opened backend session reports.
type SessionInfo struct {
	// HeaderVersion is the version the code was built against.
	HeaderVersion int
	// RuntimeVersion is the version the loaded library reports.
	RuntimeVersion int
}

// Session performs the one-time functional probe: open a backend session
// and read its version.
type Session interface {
	Open() (SessionInfo, error)
}

// Gate is the process-wide availability gate. The first Available, Reason
// or Version call runs the probe exactly once; every later call reads the
// cached terminal verdict. The verdict never changes, even if the
// underlying device context does.
type Gate struct {
	cfg  Config
	dev  DeviceBinding
	tc   Toolchain
	sess Session

	once    sync.Once
	avail   bool
	reason  string
	version int
}

// NewGate builds a gate over the given probes. The configuration is
// captured now and treated as immutable from here on.
func NewGate(cfg Config, dev DeviceBinding, tc Toolchain, sess Session) *Gate {
	return &Gate{cfg: cfg, dev: dev, tc: tc, sess: sess}
}

// Available reports whether the accelerated backend is usable. The first
// caller pays the probe cost; concurrent callers block on the same probe.
func (g *Gate) Available() bool {
	g.once.Do(g.probe)
	return g.avail
}

// Reason returns the diagnostic chain explaining unavailability, or "" when
// the backend is available.
func (g *Gate) Reason() string {
	g.once.Do(g.probe)
	return g.reason
}

// Version returns the detected backend version. It fails with
// *UnavailableError when the backend is not usable.
func (g *Gate) Version() (int, error) {
	g.once.Do(g.probe)
	if !g.avail {
		return 0, &UnavailableError{Reason: g.reason}
	}
	return g.version, nil
}

// RequireVersion checks that the backend is available at or above min,
// returning *UnavailableError or *FeatureUnsupportedError otherwise.
func (g *Gate) RequireVersion(feature string, min int) error {
	v, err := g.Version()
	if err != nil {
		return err
	}
	if v < min {
		return &FeatureUnsupportedError{Feature: feature, Required: min, Detected: v}
	}
	return nil
}

// Config returns the configuration the gate was resolved with.
func (g *Gate) Config() Config { return g.cfg }

func (g *Gate) fail(format string, args ...any) {
	g.avail = false
	g.reason = fmt.Sprintf(format, args...)
	klog.V(1).Infof("dnn gate: unavailable: %s", g.reason)
}

// probe runs the three preconditions in order, then the functional session
// probe, then the version compatibility checks. Any failure is terminal.
func (g *Gate) probe() {
	if g.dev == nil {
		g.fail("no device binding configured")
		return
	}
	dev := g.dev.Device()
	if dev == "" {
		g.fail("no runtime device bound")
		return
	}
	if !strings.HasPrefix(dev, requiredDeviceFamily) {
		g.fail("not on required device family %q, got %q", requiredDeviceFamily, dev)
		return
	}

	cap := parseComputeCapability(g.dev.ComputeCapability())
	if cap == computeCapabilityUnknown {
		g.fail("cannot parse compute capability %q", g.dev.ComputeCapability())
		return
	}
	if cap < minComputeCapability {
		g.fail("device compute capability sm_%d below required sm_%d", cap, minComputeCapability)
		return
	}

	if g.tc == nil {
		g.fail("no toolchain probe configured")
		return
	}
	ok, diag := g.tc.TryCompile(CompileOptions{
		IncludePaths: []string{g.cfg.IncludePath},
		LibraryPaths: []string{g.cfg.LibraryPath},
		Libraries:    []string{"cudnn"},
	})
	if !ok {
		g.fail("cannot compile against the backend headers: %s", diag)
		return
	}

	if g.sess == nil {
		g.fail("no session probe configured")
		return
	}
	info, err := g.sess.Open()
	if err != nil {
		g.fail("opening a backend session failed: %v", err)
		return
	}
	if info.HeaderVersion != info.RuntimeVersion {
		g.fail("mixed backend versions: header is %d while the library is %d",
			info.HeaderVersion, info.RuntimeVersion)
		return
	}
	v := info.RuntimeVersion
	if v < minVersion {
		g.fail("backend version %d is an old release (or release candidate) and is not supported, upgrade to at least v2 final", v)
		return
	}
	if v >= rcBandLow && v < rcBandHigh {
		g.fail("backend version %d is a v3 release candidate and is not supported, upgrade to the v3 final release", v)
		return
	}

	g.avail = true
	g.version = v
	klog.V(1).Infof("dnn gate: available, backend version %d on %s", v, dev)
}

var (
	defaultGateOnce sync.Once
	defaultGate     *Gate
)

// DefaultGate returns the process-wide gate assembled from the environment
// configuration and the standard probes. Components that want injected
// probes take a *Gate instead.
func DefaultGate() *Gate {
	defaultGateOnce.Do(func() {
		cfg, err := ConfigFromEnv()
		if err != nil {
			klog.Warningf("dnn: environment configuration rejected, using defaults: %v", err)
			cfg = DefaultConfig()
		}
		opts := CompileOptions{
			IncludePaths: []string{cfg.IncludePath},
			LibraryPaths: []string{cfg.LibraryPath},
			Libraries:    []string{"cudnn"},
		}
		defaultGate = NewGate(cfg, NewWebGPUBinding(), &CCToolchain{}, &CCSession{Options: opts})
	})
	return defaultGate
}

// parseComputeCapability extracts the numeric part of an "sm_NN" identifier,
// or computeCapabilityUnknown when it does not parse.
func parseComputeCapability(id string) int {
	s := strings.TrimPrefix(id, "sm_")
	if s == id || s == "" {
		return computeCapabilityUnknown
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return computeCapabilityUnknown
	}
	return n
}
