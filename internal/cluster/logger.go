package cluster

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// newRaftLogger creates the hclog.Logger handed to Raft. Raft is silent
// unless verbose is set, in which case it logs at Debug to w.
func newRaftLogger(w io.Writer, verbose bool) hclog.Logger {
	if !verbose {
		return hclog.New(&hclog.LoggerOptions{
			Name:   "raft",
			Level:  hclog.Off,
			Output: io.Discard,
		})
	}
	if w == nil {
		w = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.Debug,
		Output: w,
	})
}
