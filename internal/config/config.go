package config

import (
	"time"

	"telecare-rtc/pkg/env"
)

// ClientConfig holds everything the call client needs to reach the
// signaling server and the TURN relay.
type ClientConfig struct {
	ServerURL   string
	AuthToken   string
	UserID      string
	UserName    string
	UserRole    string
	RoomID      string
	STUNURL     string
	TURNURL     string
	TURNUser    string
	TURNPass    string
	RelayOnly   bool
	RingTimeout time.Duration
}

// LoadClient reads the client configuration from the environment.
// RingTimeout of zero disables the unanswered-call timeout.
func LoadClient() *ClientConfig {
	return &ClientConfig{
		ServerURL:   env.GetString("SIGNALING_URL", "ws://localhost:8080/ws"),
		AuthToken:   env.GetString("AUTH_TOKEN", ""),
		UserID:      env.GetString("USER_ID", ""),
		UserName:    env.GetString("USER_NAME", ""),
		UserRole:    env.GetString("USER_ROLE", "patient"),
		RoomID:      env.GetString("ROOM_ID", ""),
		STUNURL:     env.GetString("STUN_URL", "stun:stun.l.google.com:19302"),
		TURNURL:     env.GetString("TURN_URL", ""),
		TURNUser:    env.GetString("TURN_USERNAME", ""),
		TURNPass:    env.GetString("TURN_PASSWORD", ""),
		RelayOnly:   env.GetBool("ICE_RELAY_ONLY", false),
		RingTimeout: env.GetDuration("CALL_RING_TIMEOUT", 0),
	}
}

// ServerConfig holds the signaling server configuration.
type ServerConfig struct {
	Env       string
	Addr      string
	RedisAddr string
	RedisPass string

	DBHost    string
	DBPort    string
	DBUser    string
	DBPass    string
	DBName    string
	DBSSLMode string

	JWTSecret      string
	MaxConnections int
}

// LoadServer reads the server configuration from the environment.
func LoadServer() *ServerConfig {
	return &ServerConfig{
		Env:            env.GetString("ENV", "development"),
		Addr:           env.GetString("LISTEN_ADDR", ":8080"),
		RedisAddr:      env.GetString("REDIS_ADDR", "localhost:6379"),
		RedisPass:      env.GetString("REDIS_PASSWORD", ""),
		DBHost:         env.GetString("DB_HOST", "localhost"),
		DBPort:         env.GetString("DB_PORT", "5432"),
		DBUser:         env.GetString("DB_USER", "postgres"),
		DBPass:         env.GetStringFromFile("DB_PASSWORD", ""),
		DBName:         env.GetString("DB_NAME", "telecare"),
		DBSSLMode:      env.GetString("DB_SSLMODE", "disable"),
		JWTSecret:      env.GetStringFromFile("JWT_SECRET", "secret"),
		MaxConnections: env.GetInt("MAX_CONNECTIONS", 1024),
	}
}

// DSN returns the Postgres connection string.
func (c *ServerConfig) DSN() string {
	dsn := "host=" + c.DBHost + " port=" + c.DBPort + " user=" + c.DBUser +
		" dbname=" + c.DBName + " sslmode=" + c.DBSSLMode
	if c.DBPass != "" {
		dsn += " password=" + c.DBPass
	}
	return dsn
}
