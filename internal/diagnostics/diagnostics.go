// Package diagnostics produces the human-readable dump attached to a
// handshake-timeout ConnectError: the tail of the daemon's log file plus
// whatever the OS can still tell us about its process.
package diagnostics

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// tailBytes bounds how much of the log file we read back; the daemon may
// have written megabytes before dying.
const tailBytes = 4096

// Describe returns a diagnostics string for a daemon that failed to
// respond: the tail of its log file at logPath, and process accounting
// for pid if it can still be inspected.
func Describe(pid int, logPath string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "daemon pid: %d\n", pid)
	if p, err := process.NewProcess(int32(pid)); err == nil {
		describeProcess(&b, p)
	} else {
		fmt.Fprintf(&b, "process state: unavailable (%v)\n", err)
	}

	fmt.Fprintf(&b, "log file: %s\n", logPath)
	if tail, err := tailFile(logPath, tailBytes); err == nil {
		b.WriteString("--- log tail ---\n")
		b.Write(tail)
		if len(tail) > 0 && tail[len(tail)-1] != '\n' {
			b.WriteByte('\n')
		}
	} else {
		fmt.Fprintf(&b, "log tail: unavailable (%v)\n", err)
	}

	return b.String()
}

func describeProcess(b *strings.Builder, p *process.Process) {
	if status, err := p.Status(); err == nil {
		fmt.Fprintf(b, "status: %s\n", strings.Join(status, ","))
	}
	if cpu, err := p.CPUPercent(); err == nil {
		fmt.Fprintf(b, "cpu percent: %.2f\n", cpu)
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		fmt.Fprintf(b, "rss bytes: %d\n", mem.RSS)
	}
	if t, err := p.CreateTime(); err == nil {
		fmt.Fprintf(b, "create time (unix ms): %d\n", t)
	}
}

func tailFile(path string, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := info.Size()
	offset := int64(0)
	if size > n {
		offset = size - n
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, err
	}

	buf := make([]byte, size-offset)
	if _, err := io.ReadFull(f, buf); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf, nil
}
