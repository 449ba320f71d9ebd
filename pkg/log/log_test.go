package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSONOutputWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	Logger.Info().Str("foo", "bar").Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"foo":"bar"`)
	assert.Contains(t, out, `"message":"hello"`)
}

func TestInitRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	Logger.Info().Msg("should be suppressed")
	Logger.Warn().Msg("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should be suppressed")
	assert.Contains(t, out, "should appear")

	// Restore a permissive level so later tests in this package aren't
	// affected by the global level this test set.
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

func TestInitUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: Level("bogus"), JSONOutput: true, Output: &buf})

	Logger.Debug().Msg("suppressed")
	Logger.Info().Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "suppressed")
	assert.Contains(t, out, "shown")

	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

func TestWithComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	l := WithComponent("epoch")
	l.Info().Msg("tick")

	assert.Contains(t, buf.String(), `"component":"epoch"`)
}

func TestWithNodeAddsField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	WithNode("raw_sink").Info().Msg("committed")
	assert.Contains(t, buf.String(), `"node":"raw_sink"`)
}

func TestWithEpochAddsField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	WithEpoch(42).Info().Msg("minted")
	assert.Contains(t, buf.String(), `"epoch":42`)
}

func TestHelperFunctionsDoNotPanic(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	require.NotPanics(t, func() {
		Info("info")
		Debug("debug")
		Warn("warn")
		Error("error")
		Errorf("wrapped: %v", assertErr{})
	})
	assert.True(t, strings.Contains(buf.String(), "info"))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
