package sandbox

import "time"

// Policy defines resource limits for sandbox execution.
type Policy struct {
	MaxTimeout   time.Duration // Wall-clock limit per submission
	MaxCallStack int           // Interpreter call depth limit
	MaxOutputLen int           // Longest accepted result array
	WorkerMemory int64         // Address space headroom of a goja worker, in bytes

	// Docker engine only
	Image        string
	MaxMemory    string // Docker memory limit (e.g. "128m")
	PidsLimit    int
	StartupGrace time.Duration // Container start overhead allowed on top of MaxTimeout
	Images       []string      // Allowed Docker images
}

// DefaultPolicy returns safe defaults for code execution.
func DefaultPolicy() Policy {
	return Policy{
		MaxTimeout:   2 * time.Second,
		MaxCallStack: 10000,
		MaxOutputLen: 1 << 20,
		WorkerMemory: 512 << 20,
		Image:        "node:22-slim",
		MaxMemory:    "128m",
		PidsLimit:    64,
		StartupGrace: 5 * time.Second,
		Images: []string{
			"node:22-slim",
			"node:20-slim",
		},
	}
}

// IsImageAllowed checks if an image is on the allowlist.
func (p Policy) IsImageAllowed(image string) bool {
	for _, allowed := range p.Images {
		if allowed == image {
			return true
		}
	}
	return false
}

// timeout clamps a requested limit to the policy ceiling.
func (p Policy) timeout(requested time.Duration) time.Duration {
	ceiling := p.MaxTimeout
	if ceiling <= 0 {
		ceiling = DefaultPolicy().MaxTimeout
	}
	if requested > 0 && requested < ceiling {
		return requested
	}
	return ceiling
}

// WallClock is the longest one execution can take on the named engine,
// process or container start included.
func (p Policy) WallClock(engine string, requested time.Duration) time.Duration {
	limit := p.timeout(requested)
	if engine == EngineDocker {
		return limit + p.StartupGrace
	}
	return limit + WorkerGrace
}
