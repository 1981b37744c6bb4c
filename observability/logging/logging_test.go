package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupRenamesCoreKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := Setup("campaign-keeper", "test", Options{Output: &buf})
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("tick complete", "campaigns", 3)
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "tick complete", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "campaign-keeper", line["service"])
	require.Equal(t, "test", line["env"])
	require.Contains(t, line, "timestamp")
	require.EqualValues(t, 3, line["campaigns"])
}

func TestSetupHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := Setup("keeper", "", Options{Level: "warn", Output: &buf})
	require.NoError(t, err)
	logger.Info("dropped")
	require.Zero(t, buf.Len())
	logger.Warn("kept")
	require.Contains(t, buf.String(), `"severity":"WARN"`)

	_, _, err = Setup("keeper", "", Options{Level: "loud"})
	require.Error(t, err)
}

func TestSetupBridgesStdLogAndFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "keeper.log")
	_, closer, err := Setup("keeper", "", Options{Output: &buf, File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	log.Printf("legacy line")
	require.NoError(t, closer.Close())
	require.Contains(t, buf.String(), "legacy line")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "legacy line")
}

func TestMaskField(t *testing.T) {
	for _, tc := range []struct {
		value, want string
	}{
		{"", ""},
		{"abc", RedactedValue},
		{"https://alerts.example.com", "https://alerts.example.com"},
		{"https://hooks.example.com/services/T0/B0/XYZ", "https://hooks.example.com/" + RedactedValue},
		{"https://alerts.example.com/hook?key=abc", "https://alerts.example.com/" + RedactedValue},
		{"https://ops:pw@alerts.example.com", "https://alerts.example.com/" + RedactedValue},
		{"bearer:abc", RedactedValue},
	} {
		require.Equal(t, tc.want, MaskField("k", tc.value).Value.String(), tc.value)
	}
}

func TestIsSecretKey(t *testing.T) {
	for _, key := range []string{"auth_token", "Bearer_Token", "secret", "webhook_url", "operator_private_key"} {
		require.True(t, IsSecretKey(key), key)
	}
	for _, key := range []string{"token", "campaign", "endpoint", "operator"} {
		require.False(t, IsSecretKey(key), key)
	}
}

func TestSetupMasksSecretKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := Setup("keeper", "", Options{Output: &buf})
	require.NoError(t, err)

	logger.Info("configuration loaded",
		"auth_token", "s3cret",
		"webhook_url", "https://hooks.example.com/services/abc",
		"token", "So11111111111111111111111111111111111111112",
		"retries", 3)
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, RedactedValue, line["auth_token"])
	require.Equal(t, "https://hooks.example.com/"+RedactedValue, line["webhook_url"])
	require.Equal(t, "So11111111111111111111111111111111111111112", line["token"])
	require.EqualValues(t, 3, line["retries"])
	require.NotContains(t, buf.String(), "s3cret")
}
