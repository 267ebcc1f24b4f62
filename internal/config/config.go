// Package config loads settings from the environment, with an optional
// .env file for development.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Settings struct {
	ListenAddr  string // relayd bind address
	DatabaseDSN string // postgres DSN; empty runs the relay unmetered
	MessageCost int64  // funding units charged per relayed message

	// Reconciler overrides.
	StartingCoins int
	CoinValue     int
}

func Load(log *zap.Logger) Settings {
	if err := godotenv.Load(); err == nil {
		log.Debug("loaded .env")
	}
	return Settings{
		ListenAddr:    getenv("RELAY_LISTEN_ADDR", ":8080"),
		DatabaseDSN:   os.Getenv("RELAY_DATABASE_DSN"),
		MessageCost:   getenvInt64(log, "RELAY_MESSAGE_COST", 1),
		StartingCoins: int(getenvInt64(log, "GAME_STARTING_COINS", 3)),
		CoinValue:     int(getenvInt64(log, "GAME_COIN_VALUE", 1)),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt64(log *zap.Logger, key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Warn("ignoring malformed env value", zap.String("key", key), zap.String("value", v))
		return fallback
	}
	return n
}
