package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfig(t *testing.T) {
	b := []byte(`
	{
		"url": "https://blog.example",
		"server": {
		  "host": "testhost",
		  "certificate": "testcert",
		  "privatekey": "testkey",
		  "port": 234,
		  "accept_all": true,
		  "send_unsigned": true,
		  "max_followers": 100,
		  "secure_mode": true,
		  "database": "test.db",
		  "driver": "sqlite3",
		  "delivery_workers": 8,
		  "send_attempts": 3,
		  "forward_attempts": 1,
		  "queue_size": 50,
		  "feed_minutes": 10
		},
		"users": [
		  {
			"name": "testuser",
			"type": "testtype",
			"displayName": "testdisplayname",
			"outboxSource": "testurl",
			"pubKey": "testpub",
			"privKey": "testprivate"
		  }
		]
	  }`)
	cfg, err := ReadConfig(b)
	require.NoError(t, err)

	expected := Config{
		URL: "https://blog.example",
		Server: serverConfig{
			HostName:        "testhost",
			Certificate:     "testcert",
			PrivateKey:      "testkey",
			Port:            234,
			AcceptAll:       true,
			SendUnsigned:    true,
			MaxFollowers:    100,
			SecureMode:      true,
			Database:        "test.db",
			Driver:          "sqlite3",
			DeliveryWorkers: 8,
			SendAttempts:    3,
			ForwardAttempts: 1,
			QueueSize:       50,
			FeedMinutes:     10,
		},
		Users: []userConfig{
			{
				Name:        "testuser",
				Type:        "testtype",
				DisplayName: "testdisplayname",
				SourceURL:   "testurl",
				PubKeyFile:  "testpub",
				PrivKeyFile: "testprivate",
			},
		},
	}
	assert.Equal(t, expected, cfg)
	assert.True(t, cfg.Server.useTLS())
}

func TestReadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("ACTIVITYPRESS_PORT", "8443")
	t.Setenv("ACTIVITYPRESS_SECURE_MODE", "true")
	t.Setenv("ACTIVITYPRESS_URL", "https://override.example")

	cfg, err := ReadConfig([]byte(`{"url":"https://blog.example","server":{"port":80}}`))
	require.NoError(t, err)
	assert.Equal(t, 8443, cfg.Server.Port)
	assert.True(t, cfg.Server.SecureMode)
	assert.Equal(t, "https://override.example", cfg.URL)
}

func TestReadConfig_Errors(t *testing.T) {
	_, err := ReadConfig([]byte(`not json`))
	assert.Error(t, err)

	t.Setenv("ACTIVITYPRESS_PORT", "eighty")
	_, err = ReadConfig([]byte(`{}`))
	assert.Error(t, err)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "activitypress.db", cfg.Server.Database)
	assert.Equal(t, 4, cfg.Server.DeliveryWorkers)
	assert.Equal(t, uint(5), cfg.Server.SendAttempts)
	assert.Equal(t, uint(2), cfg.Server.ForwardAttempts)
	assert.False(t, cfg.Server.useTLS())
}
