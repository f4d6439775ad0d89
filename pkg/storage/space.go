package storage

// SpaceChecker reports the bytes available to unprivileged writers on the
// filesystem holding path
type SpaceChecker interface {
	Available(path string) (uint64, error)
}

// SpaceFunc adapts a function to SpaceChecker
type SpaceFunc func(path string) (uint64, error)

// Available implements SpaceChecker
func (f SpaceFunc) Available(path string) (uint64, error) {
	return f(path)
}

// StatfsChecker reads free space with statfs(2)
type StatfsChecker struct{}
