package model_test

import (
	"testing"
	"time"

	"github.com/oss-compass/openchecker/internal/model"

	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     time.Duration
		err      bool
	}{
		{"seconds", "30s", 30 * time.Second, false},
		{"compound", "1d2h3m4s", 26*time.Hour + 3*time.Minute + 4*time.Second, false},
		{"minutes", "90m", 90 * time.Minute, false},
		{"empty", "", 0, true},
		{"wrong order", "3m1h", 0, true},
		{"garbage", "soon", 0, true},
		{"overflow", "999999999999d", 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := model.ParseDuration(tc.given)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestParseCron(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     time.Duration
		err      bool
	}{
		{"every", "@every 5m", 5 * time.Minute, false},
		{"hourly", "@hourly", time.Hour, false},
		{"quarter", "*/15 * * * *", 15 * time.Minute, false},
		{"empty", "", 0, true},
		{"four fields", "* * * *", 0, true},
		{"out of range", "* * 32 * *", 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := model.ParseCron(tc.given)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}
