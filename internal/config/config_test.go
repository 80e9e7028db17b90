package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("缺少上游地址时报错", func(t *testing.T) {
		t.Setenv("MASKRELAY_API_BASE_URL", "")
		t.Setenv("MASKRELAY_API_TOKEN", "tok")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("缺少令牌时报错", func(t *testing.T) {
		t.Setenv("MASKRELAY_API_BASE_URL", "https://api.example.com")
		t.Setenv("MASKRELAY_API_TOKEN", "")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("默认值齐全", func(t *testing.T) {
		t.Setenv("MASKRELAY_API_BASE_URL", "https://api.example.com")
		t.Setenv("MASKRELAY_API_TOKEN", "tok")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "127.0.0.1", cfg.Server.Host)
		assert.Equal(t, 8642, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.API.Timeout)
		assert.Equal(t, time.Minute, cfg.Cache.TTL)
		assert.Equal(t, 5, cfg.Phone.MaxMinutesToVerify)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.False(t, cfg.Cache.RedisEnabled)
	})

	t.Run("环境变量覆盖默认值", func(t *testing.T) {
		t.Setenv("MASKRELAY_API_BASE_URL", "https://api.example.com/")
		t.Setenv("MASKRELAY_API_TOKEN", "tok")
		t.Setenv("MASKRELAY_SERVER_PORT", "9000")
		t.Setenv("MASKRELAY_PHONE_MAX_MINUTES_TO_VERIFY", "10")
		t.Setenv("MASKRELAY_CORS_ALLOWED_ORIGINS", "http://localhost:3000, http://localhost:5173")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, 10, cfg.Phone.MaxMinutesToVerify)
		assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORS.AllowedOrigins)
		// 末尾斜杠被去除
		assert.Equal(t, "https://api.example.com", cfg.API.BaseURL)
	})

	t.Run("无效的超时格式报错", func(t *testing.T) {
		t.Setenv("MASKRELAY_API_BASE_URL", "https://api.example.com")
		t.Setenv("MASKRELAY_API_TOKEN", "tok")
		t.Setenv("MASKRELAY_API_TIMEOUT", "soon")

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestVerificationWindow(t *testing.T) {
	cfg := &Config{Phone: PhoneConfig{MaxMinutesToVerify: 5}}
	assert.Equal(t, 5*time.Minute, cfg.VerificationWindow())
}
