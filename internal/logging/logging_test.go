package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace": zerolog.TraceLevel,
		"DEBUG": zerolog.DebugLevel,
		" warn": zerolog.WarnLevel,
		"off":   zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := ParseLevel("loud")
	assert.False(t, ok)
	_, ok = ParseLevel("")
	assert.False(t, ok)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogNoColor, "true")
	t.Setenv(EnvLogTimestamp, "nope")

	cfg := defaultConfig(ProfileTest)
	applyEnvOverrides(&cfg)
	assert.Equal(t, zerolog.ErrorLevel, cfg.Level)
	assert.True(t, cfg.NoColor)
	assert.False(t, cfg.Timestamp, "unparsable values keep the profile default")
}

func TestNew_WritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: zerolog.InfoLevel, NoColor: true, Out: &buf})
	l.Debug().Msg("hidden")
	l.Info().Str("strand", "s0").Msg("ionized")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "ionized")
	assert.Contains(t, out, "strand=s0")
}
