package config

import (
	"errors"

	"github.com/spf13/viper"
)

type Config struct {
	Server      Server
	Database    Database
	SecretStore SecretStore
	Auth        Auth
	Sweep       Sweep
}

type Server struct {
	Port string
}

type Database struct {
	URL string
}

type SecretStore struct {
	URL            string
	Token          string
	TimeoutSeconds int
}

type Auth struct {
	JWTSecret string
}

type Sweep struct {
	IntervalHours int
}

func LoadConfig(filename string) (*viper.Viper, error) {
	v := viper.New()

	v.SetConfigName(filename)
	v.SetConfigType("yaml")
	v.AddConfigPath("config")
	v.AddConfigPath(".")

	// Secrets come from the environment, never from the config file.
	v.SetDefault("Server.Port", "9002")
	v.SetDefault("SecretStore.TimeoutSeconds", 5)
	v.SetDefault("Sweep.IntervalHours", 168)
	_ = v.BindEnv("Database.URL", "DB_URL")
	_ = v.BindEnv("SecretStore.URL", "SECRET_STORE_URL")
	_ = v.BindEnv("SecretStore.Token", "SECRET_STORE_TOKEN")
	_ = v.BindEnv("Auth.JWTSecret", "JWT_SECRET")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return v, nil
}

func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if c.Database.URL == "" {
		return nil, errors.New("database url is not configured (DB_URL)")
	}
	if c.SecretStore.URL == "" {
		return nil, errors.New("secret store url is not configured (SECRET_STORE_URL)")
	}
	if c.SecretStore.Token == "" {
		return nil, errors.New("secret store token is not configured (SECRET_STORE_TOKEN)")
	}
	if c.Auth.JWTSecret == "" {
		return nil, errors.New("jwt secret is not configured (JWT_SECRET)")
	}
	return &c, nil
}
