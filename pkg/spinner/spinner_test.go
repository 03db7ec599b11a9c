package spinner

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdateAdvancesFrames(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := New(&buf)

	s.Update("running 10/100")
	assert.Contains(t, buf.String(), frames[0]+" running 10/100")

	buf.Reset()
	s.Update("running 20/100")
	assert.Contains(t, buf.String(), frames[1]+" running 20/100")

	for range len(frames) - 2 {
		s.Update("x")
	}
	buf.Reset()
	s.Update("wrapped")
	assert.Contains(t, buf.String(), frames[0]+" wrapped")
}

func TestUpdatePadsShorterLines(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := New(&buf)

	s.Update("a long status line")
	long := len(frames[0] + " a long status line")
	buf.Reset()
	s.Update("short")

	line := buf.String()[strings.Index(buf.String(), "\r")+1:]
	assert.Len(t, line, long, "shorter line is padded over the previous one")
}

func TestCleanupRestoresCursor(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := New(&buf)

	s.Update("done")
	buf.Reset()
	s.Cleanup()
	assert.True(t, strings.HasSuffix(buf.String(), "\033[?25h"))
	assert.NotContains(t, buf.String(), "done")
}
