//go:build !test

package pmutex

// spinIterations is the number of attempts to acquire the lock by spinning before going to sleep.
const spinIterations = 100
