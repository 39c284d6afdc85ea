package engine

import (
	"os"
	"path/filepath"
	"testing"
)

// writeMockEngine writes a tiny shell script speaking just enough UCI to
// drive the worker/driver tests: it handshakes, then on any "go ..."
// command it prints one info line and a bestmove line for e2e4 with a
// centipawn score of 30 at depth 10 (spec scenario 1).
func writeMockEngine(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mock-engine.sh")
	script := `#!/bin/sh
while IFS= read -r line; do
  case "$line" in
    uci) echo "id name mockfish"; echo "uciok" ;;
    isready) echo "readyok" ;;
    go\ *)
      echo "info depth 10 seldepth 12 multipv 1 score cp 30 nodes 5000 nps 500000 time 10 hashfull 50 pv e2e4 e7e5"
      echo "bestmove e2e4 ponder e7e5"
      ;;
    quit) exit 0 ;;
    *) ;;
  esac
done
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write mock engine: %v", err)
	}
	return path
}
