package folded

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session identifies one profiling run. Output files embed the
// executable stem, a start timestamp, and a short random id so
// concurrent runs of the same binary never collide.
type Session struct {
	Stem      string
	Timestamp string
	ID        string
}

// NewSession derives a session identity from the running executable.
func NewSession() Session {
	stem := "unknown"
	if exe, err := os.Executable(); err == nil {
		stem = strings.TrimSuffix(filepath.Base(exe), filepath.Ext(exe))
	}
	return Session{
		Stem:      stem,
		Timestamp: time.Now().Format("20060102-150405"),
		ID:        uuid.NewString()[:8],
	}
}

func (s Session) base() string {
	return fmt.Sprintf("%s-%s-%s", s.Stem, s.Timestamp, s.ID)
}

// TimePath returns the exclusive time output file path.
func (s Session) TimePath(dir string) string {
	return filepath.Join(dir, s.base()+".folded")
}

// InclusiveTimePath returns the inclusive time variant path, where
// nested time is folded into parents.
func (s Session) InclusiveTimePath(dir string) string {
	return filepath.Join(dir, s.base()+"-inclusive.folded")
}

// MemoryPath returns the summary memory output file path.
func (s Session) MemoryPath(dir string) string {
	return filepath.Join(dir, s.base()+"-memory.folded")
}

// MemoryDetailPath returns the detailed memory output file path.
func (s Session) MemoryDetailPath(dir string) string {
	return filepath.Join(dir, s.base()+"-memory_detail.folded")
}

// PprofPath returns the pprof protobuf export path for a measurement
// kind ("time" or "memory").
func (s Session) PprofPath(dir, kind string) string {
	return filepath.Join(dir, s.base()+"-"+kind+".pb.gz")
}
