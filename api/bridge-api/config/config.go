// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AppConfig is the bridge's full configuration surface. Values come from the
// process environment, falling back to an optional .env file, falling back to
// defaults. Process env always wins over file entries.
type AppConfig struct {
	VapiPrivateAPIKey string `mapstructure:"vapi_private_api_key" validate:"required"`
	VapiAssistantID   string `mapstructure:"vapi_assistant_id" validate:"required"`

	UDPBindHost string `mapstructure:"vapi_bridge_udp_bind_host" validate:"required"`
	UDPPort     int    `mapstructure:"vapi_bridge_udp_port" validate:"gte=1,lte=65535"`

	// HTTPPort serves /healthz/ and /status/. Zero disables the server.
	HTTPPort int `mapstructure:"vapi_bridge_http_port" validate:"gte=0,lte=65535"`

	IdleTimeoutS      float64 `mapstructure:"vapi_bridge_idle_timeout_s" validate:"gt=0"`
	VoiceRMSThreshold int     `mapstructure:"vapi_bridge_voice_rms_threshold" validate:"gte=0"`

	LogLevel string `mapstructure:"vapi_bridge_log_level"`

	// VapiSampleRate is the transport PCM rate. Defaults to 16000;
	// VAPI_SAMPLE_RATE overrides it.
	VapiSampleRate int `mapstructure:"vapi_sample_rate" validate:"gt=0"`
}

// IdleTimeout returns the idle budget as a duration.
func (c *AppConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutS * float64(time.Second))
}

// InitConfig wires viper: optional .env file (path from VAPI_BRIDGE_ENV_FILE,
// default ".env"), automatic env binding, defaults. A missing env file is not
// an error — validation of required keys happens in GetApplicationConfig.
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.New()

	envFile := os.Getenv("VAPI_BRIDGE_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	vConfig.SetConfigFile(envFile)
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)

	if err := vConfig.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(envFile); statErr == nil {
			return nil, fmt.Errorf("config: read %s: %w", envFile, err)
		}
		// No env file; environment variables and defaults apply.
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("VAPI_PRIVATE_API_KEY", "")
	v.SetDefault("VAPI_ASSISTANT_ID", "")

	v.SetDefault("VAPI_BRIDGE_UDP_BIND_HOST", "0.0.0.0")
	v.SetDefault("VAPI_BRIDGE_UDP_PORT", 9123)
	v.SetDefault("VAPI_BRIDGE_HTTP_PORT", 8085)

	v.SetDefault("VAPI_BRIDGE_IDLE_TIMEOUT_S", 20.0)
	v.SetDefault("VAPI_BRIDGE_VOICE_RMS_THRESHOLD", 500)
	v.SetDefault("VAPI_BRIDGE_LOG_LEVEL", "info")

	v.SetDefault("VAPI_SAMPLE_RATE", 16000)
}

// GetApplicationConfig unmarshals and validates the bridge configuration.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &config, nil
}
