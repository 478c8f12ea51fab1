package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Addr:               ":7000",
		MaxConnections:     10,
		CPURejectThreshold: 90,
		MaxRequestRate:     100,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejectsEmptyAddr(t *testing.T) {
	c := validConfig()
	c.Addr = ""
	assert.Error(t, c.Validate())
}

func TestValidateRejectsBadCPUThreshold(t *testing.T) {
	c := validConfig()
	c.CPURejectThreshold = 150
	assert.Error(t, c.Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "verbose"
	assert.Error(t, c.Validate())
}

func TestPeerAllowListParsesAndTrims(t *testing.T) {
	c := validConfig()
	c.PeerAllow = " 10.0.0.1:7000 , 10.0.0.2:7000,"
	assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:7000"}, c.PeerAllowList())
}

func TestPeerAllowListEmptyMeansAllowAny(t *testing.T) {
	c := validConfig()
	assert.Nil(t, c.PeerAllowList())
}
