package multiplexer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentorch/pkg/model"
)

func TestMultiplexer_WriteIsAttributedToAgent(t *testing.T) {
	var buf bytes.Buffer
	m := New(&buf)
	m.Register("agent-1", model.RoleMain)

	m.Write("agent-1", "hello", KindNormal)

	require.Equal(t, "hello", buf.String())
}

func TestMultiplexer_SwitchEmitsSeparator(t *testing.T) {
	var buf bytes.Buffer
	m := New(&buf)
	m.Register("agent-1", model.RoleMain)
	m.Register("agent-2", model.RoleResearcher)

	m.Write("agent-1", "first", KindNormal)
	m.Write("agent-2", "second", KindNormal)

	out := buf.String()
	require.Contains(t, out, "first")
	require.Contains(t, out, "---")
	require.Contains(t, out, "second")
	require.True(t, strings.Index(out, "first") < strings.Index(out, "---"))
	require.True(t, strings.Index(out, "---") < strings.Index(out, "second"))
}

func TestMultiplexer_NoSeparatorWhenSameAgentContinues(t *testing.T) {
	var buf bytes.Buffer
	m := New(&buf)
	m.Register("agent-1", model.RoleMain)

	m.Write("agent-1", "one", KindNormal)
	m.Write("agent-1", "two", KindNormal)

	require.NotContains(t, buf.String(), "---")
}

func TestMultiplexer_WriteSummaryIsFramedRegardlessOfCurrentAgent(t *testing.T) {
	var buf bytes.Buffer
	m := New(&buf)
	m.Register("agent-1", model.RoleMain)

	m.WriteSummary("agent-1", "the summary")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Equal(t, []string{"===", "the summary", "==="}, lines)
}

func TestMultiplexer_WriteStatusFormatsStatusAndMessage(t *testing.T) {
	var buf bytes.Buffer
	m := New(&buf)
	m.Register("agent-1", model.RoleMain)

	m.WriteStatus("agent-1", "RUNNING", "executing step 3")

	require.Contains(t, buf.String(), "RUNNING: executing step 3")
}

func TestMultiplexer_FinalizeEmitsSeparatorForCurrentAgent(t *testing.T) {
	var buf bytes.Buffer
	m := New(&buf)
	m.Register("agent-1", model.RoleMain)

	m.Write("agent-1", "working", KindNormal)
	m.Finalize("agent-1")

	require.Contains(t, buf.String(), "---")
}

func TestMultiplexer_NoColorWhenWriterIsNotATerminal(t *testing.T) {
	var buf bytes.Buffer
	m := New(&buf)
	require.False(t, m.useColor)

	m.Register("agent-1", model.RoleMain)
	m.Write("agent-1", "plain", KindError)

	require.Equal(t, "plain\n", buf.String())
}

func TestMultiplexer_ConcurrentWritesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	m := New(&buf)
	m.Register("agent-1", model.RoleMain)

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			m.Write("agent-1", "line", KindNormal)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}

	require.Equal(t, strings.Repeat("line", 20), buf.String())
}
