package transfer

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
)

// generateInstanceID returns a unique string for this process
// (hostname+pid+random), attached to every task's logger so log lines
// from concurrently-deployed engine instances can be told apart.
// Adapted from the teacher's internal/downloader.GenerateInstanceID.
func generateInstanceID() string {
	host, _ := os.Hostname()
	pid := os.Getpid()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(pid) + "-" + hex.EncodeToString(rnd)
}
