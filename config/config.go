package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed config.yml
var embeddedConfig []byte

type JWTConfig struct {
	SecretKey       string        `mapstructure:"secretKey"`
	Issuer          string        `mapstructure:"issuer"`
	Audience        string        `mapstructure:"audience"`
	AccessTokenTTL  time.Duration `mapstructure:"accessTokenTTL"`
	RefreshTokenTTL time.Duration `mapstructure:"refreshTokenTTL"`
}

type AuthConfig struct {
	// SiteURL is the public origin used to build OAuth and recovery callbacks.
	SiteURL string `mapstructure:"siteURL"`

	RequireEmailVerification bool          `mapstructure:"requireEmailVerification"`
	RefreshMargin            time.Duration `mapstructure:"refreshMargin"`
	VerificationTokenTTL     time.Duration `mapstructure:"verificationTokenTTL"`
	RecoveryTokenTTL         time.Duration `mapstructure:"recoveryTokenTTL"`
	OAuthStateTTL            time.Duration `mapstructure:"oauthStateTTL"`
}

type OAuthProviderConfig struct {
	ClientID     string   `mapstructure:"clientID"`
	ClientSecret string   `mapstructure:"clientSecret"`
	Scopes       []string `mapstructure:"scopes"`
}

type OAuthConfig struct {
	Google OAuthProviderConfig `mapstructure:"google"`
	Github OAuthProviderConfig `mapstructure:"github"`
}

type SMTPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type PortalConfig struct {
	CookieName     string        `mapstructure:"cookieName"`
	CookieSecure   bool          `mapstructure:"cookieSecure"`
	ClientIdleTTL  time.Duration `mapstructure:"clientIdleTTL"`
	AllowedOrigins []string      `mapstructure:"allowedOrigins"`

	// AuthRateLimit is the sustained number of auth attempts per minute per IP.
	AuthRateLimit int `mapstructure:"authRateLimit"`
	AuthRateBurst int `mapstructure:"authRateBurst"`
}

type Config struct {
	Mode     string `mapstructure:"mode"`
	Dotenv   string `mapstructure:"dotenv"`
	Handlers struct {
		Prometheus struct {
			Port      string `mapstructure:"port"`
			CertFile  string `mapstructure:"certFile"`
			KeyFile   string `mapstructure:"keyFile"`
			EnableTLS bool   `mapstructure:"enableTLS"`
		} `mapstructure:"prometheus"`
	} `mapstructure:"handlers"`
	Repositories struct {
		Postgres struct {
			Host              string `mapstructure:"host"`
			Password          string `mapstructure:"password"`
			Port              string `mapstructure:"port"`
			Username          string `mapstructure:"username"`
			DB                string `mapstructure:"db"`
			SSLMODE           string `mapstructure:"SSLMODE"`
			MAXCONWAITINGTIME int    `mapstructure:"MAXCONWAITINGTIME"`
		} `mapstructure:"postgres"`
		Redis struct {
			Enabled  bool   `mapstructure:"enabled"`
			Host     string `mapstructure:"host"`
			Port     string `mapstructure:"port"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
		} `mapstructure:"redis"`
	} `mapstructure:"repositories"`
	Server struct {
		HTTPPort string        `mapstructure:"HTTPPort"`
		Timeout  time.Duration `mapstructure:"HTTPTimeout"`
	} `mapstructure:"server"`
	JWT    JWTConfig    `mapstructure:"jwt"`
	Auth   AuthConfig   `mapstructure:"auth"`
	OAuth  OAuthConfig  `mapstructure:"oauth"`
	SMTP   SMTPConfig   `mapstructure:"smtp"`
	Portal PortalConfig `mapstructure:"portal"`
}

func InitConfig() (Config, error) {
	var config Config
	v := viper.New()

	// Add file-based config paths
	v.AddConfigPath(".")
	v.AddConfigPath("config")
	v.AddConfigPath("/app/config")
	v.AddConfigPath("/usr/local/bin")

	v.SetConfigName("config")
	v.SetConfigType("yml")

	// PORTAL_JWT_SECRETKEY overrides jwt.secretKey, and so on.
	v.SetEnvPrefix("portal")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	err := v.ReadInConfig()
	if err != nil {
		fmt.Printf("Warning: Failed to find file-based config: %s. Falling back to embedded config.\n", err)
		if err = v.ReadConfig(bytes.NewReader(embeddedConfig)); err != nil {
			return Config{}, fmt.Errorf("failed to read embedded config: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err = config.validate(); err != nil {
		return Config{}, err
	}
	fmt.Println("Successfully loaded app configs...")
	return config, nil
}

func (c Config) validate() error {
	if c.JWT.SecretKey == "" {
		return fmt.Errorf("jwt.secretKey must be set")
	}
	if c.Auth.SiteURL == "" {
		return fmt.Errorf("auth.siteURL must be set")
	}
	return nil
}

// CallbackURL is the OAuth redirect target, {origin}/auth/callback.
func (a AuthConfig) CallbackURL() string {
	return strings.TrimRight(a.SiteURL, "/") + "/auth/callback"
}

// ResetPasswordURL is where recovery links land, {origin}/reset-password.
func (a AuthConfig) ResetPasswordURL() string {
	return strings.TrimRight(a.SiteURL, "/") + "/reset-password"
}

// ConfirmURL is where email verification links land, {origin}/auth/confirm.
func (a AuthConfig) ConfirmURL() string {
	return strings.TrimRight(a.SiteURL, "/") + "/auth/confirm"
}
