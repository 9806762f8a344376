package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultDialAddr       = "127.0.0.1:10000"
	defaultConnectTimeout = 30 * time.Second
)

// WorkerConfig configures a worker process.
type WorkerConfig struct {
	logLevel       string
	coordinator    string
	seed           uint64
	connectTimeout time.Duration
}

// NewWorkerConfig reads COORDINATOR_ADDR, LOG_LEVEL, WORKER_SEED and
// CONNECT_TIMEOUT. A 0.0.0.0 coordinator address is dialed on loopback.
func NewWorkerConfig() (*WorkerConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	addr := os.Getenv("COORDINATOR_ADDR")
	if addr == "" {
		addr = defaultDialAddr
	}
	addr = strings.Replace(addr, "0.0.0.0:", "127.0.0.1:", 1)

	var seed uint64
	if s := os.Getenv("WORKER_SEED"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("WORKER_SEED must be a valid unsigned integer: %w", err)
		}
		seed = v
	} else {
		seed = uint64(time.Now().UnixNano())
	}

	timeout, err := durationEnv("CONNECT_TIMEOUT", defaultConnectTimeout)
	if err != nil {
		return nil, err
	}

	return &WorkerConfig{
		logLevel:       logLevel,
		coordinator:    addr,
		seed:           seed,
		connectTimeout: timeout,
	}, nil
}

func (c WorkerConfig) GetLogLevel() string {
	return c.logLevel
}

func (c WorkerConfig) GetCoordinatorAddress() string {
	return c.coordinator
}

func (c WorkerConfig) GetSeed() uint64 {
	return c.seed
}

// GetConnectTimeout bounds dialing plus the handshake. 0 means no limit.
func (c WorkerConfig) GetConnectTimeout() time.Duration {
	return c.connectTimeout
}
