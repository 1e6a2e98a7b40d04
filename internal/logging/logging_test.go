package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":       zerolog.DebugLevel,
		"Development": zerolog.DebugLevel,
		"dev":         zerolog.DebugLevel,
		"trace":       zerolog.TraceLevel,
		"warn":        zerolog.WarnLevel,
		"warning":     zerolog.WarnLevel,
		" error ":     zerolog.ErrorLevel,
		"":            zerolog.InfoLevel,
		"loud":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}
