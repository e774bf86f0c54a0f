package main

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/freqops/trainn/app/trainer"
)

func Test_makeHostName(t *testing.T) {
	opts.Notify.HostName = "test"
	assert.Equal(t, "test", makeHostName())

	opts.Notify.HostName = ""
	exp, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, exp, makeHostName())
}

func Test_makeNotifier(t *testing.T) {
	opts.Notify.EnabledCompletion, opts.Notify.EnabledError = false, false
	opts.Notify.FromEmail = ""
	opts.Notify.ToEmails = []string{"test@example.com"}
	assert.Nil(t, makeNotifier())

	opts.Notify.EnabledCompletion = true
	notif := makeNotifier()
	require.NotNil(t, notif)
	assert.Equal(t, "trainn@"+makeHostName(), opts.Notify.FromEmail,
		"side effect of creating notifier with empty From "+
			"is setting the From based on hostname")
}

func Test_makeErrorLog(t *testing.T) {
	runErr := errors.New("1 of 3 jobs failed")
	results := []trainer.Result{
		{Pair: "BTC/USDT:USDT", Status: trainer.StatusOK, Output: "fine"},
		{Pair: "ETH/USDT:USDT", Status: trainer.StatusFailed, Output: "CUDA out of memory\ntraceback follows"},
		{Pair: "SOL/USDT:USDT", Status: trainer.StatusFailed}, // failed before producing output
	}

	res := makeErrorLog(runErr, results)
	assert.Contains(t, res, "1 of 3 jobs failed")
	assert.Contains(t, res, "ETH/USDT:USDT output tail:\nCUDA out of memory")
	assert.NotContains(t, res, "fine", "successful jobs' output stays out of the error message")
	assert.NotContains(t, res, "SOL/USDT:USDT", "no section for failed jobs without output")
}

func Test_setupLogsWithLogsDisabled(t *testing.T) {
	opts.Log.Enabled = false
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsToFile(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	opts.Log.Enabled = true
	opts.Log.Filename = tmpfile.Name()
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7
	opts.Log.MaxAge = 0
	opts.Log.EnabledCompress = false

	out := setupLogs()
	assert.IsType(t, &lumberjack.Logger{}, out)

	logger := out.(*lumberjack.Logger)
	assert.Equal(t, tmpfile.Name(), logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)
}

func Test_loadConfigDefaults(t *testing.T) {
	opts.Config = "testdata/does-not-exist.yml"
	cfg, err := loadConfig()
	require.NoError(t, err, "missing file falls back to verified defaults")
	assert.Equal(t, "freqai-train-cpu-x86", cfg.Service)
}

func Test_loadConfigInvalid(t *testing.T) {
	tmpfile, err := os.CreateTemp(t.TempDir(), "trainn-*.yml")
	require.NoError(t, err)
	_, err = tmpfile.WriteString("service: \"\"\ncompose_file: x\nfreqtrade_config: y\n")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	opts.Config = tmpfile.Name()
	_, err = loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}
