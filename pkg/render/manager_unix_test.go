//go:build unix

package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/FulgerX2007/chartsnap/pkg/model"
)

// processGone reports whether pid no longer runs. A zombie counts as gone:
// it was killed but its new parent has not reaped it yet.
func processGone(pid int) bool {
	if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The state follows the parenthesised command name
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 || i+2 >= len(stat) {
		return false
	}
	return stat[i+2] == 'Z'
}

func TestRenderTimeoutKillsDescendants(t *testing.T) {
	m := helperManager(t, "grandchild")
	pidFile := filepath.Join(t.TempDir(), "grandchild.pid")
	m.opts.Env = append(m.opts.Env, helperPidFile+"="+pidFile)

	_, err := m.Render(context.Background(), markupRequest("x"), 400*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, model.KindTimeout, model.KindOf(err))

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err, "worker should have recorded its child")
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return processGone(pid) }, 2*time.Second, 20*time.Millisecond,
		"grandchild %d survived the worker's process group kill", pid)
}
