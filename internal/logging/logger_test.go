package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		in        string
		want      zapcore.Level
		expectErr bool
	}{
		{in: "", want: zapcore.InfoLevel},
		{in: "debug", want: zapcore.DebugLevel},
		{in: "WARN", want: zapcore.WarnLevel},
		{in: "verbose", want: zapcore.InfoLevel, expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseLevel(tc.in)
			if tc.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNew(t *testing.T) {
	out := filepath.Join(t.TempDir(), "app.log")
	logger, err := New(Config{Level: "debug", OutputPaths: []string{out}})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = New(Config{Level: "loud"})
	assert.Error(t, err)

	// 作成に失敗しても nil は返さない
	assert.NotNil(t, NewOrNop(Config{Level: "loud"}))
}
