package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/simfabric/sample-dispatcher/src/protocol"
)

const (
	SAMPLE_BATCHES_EXCHANGE = "sample_batches"
	BATCH_ROUTING_KEY       = "batch"
	STATS_ROUTING_KEY       = "round_stats"

	defaultCoordinatorAddr = "0.0.0.0:10000"
	defaultMaxWrong        = 10
	defaultCloseTimeout    = 5 * time.Second
	defaultMaxFieldSize    = 64 << 20
)

// Interface exposes the configuration to the server and its tests.
type Interface interface {
	GetLogLevel() string
	GetCoordinatorConfig() *CoordinatorConfig
	GetMiddlewareConfig() *MiddlewareConfig
	GetHealthPort() int
	GetBatchesToProduce() int
}

type GlobalConfig struct {
	logLevel          string
	healthPort        int
	batchesToProduce  int
	coordinatorConfig *CoordinatorConfig
	middlewareConfig  *MiddlewareConfig
}

// CoordinatorConfig holds the sample collection settings.
type CoordinatorConfig struct {
	address                string
	workerCount            int
	batchSize              int
	maxWrongSamplesPerStep int
	replyTimeout           time.Duration
	closeTimeout           time.Duration
	maxFieldSize           int
	workerParameters       protocol.Record
}

// MiddlewareConfig holds RabbitMQ connection configuration. A nil
// MiddlewareConfig means batches are only logged.
type MiddlewareConfig struct {
	host       string
	port       int32
	username   string
	password   string
	maxRetries int
}

func NewConfig() (GlobalConfig, error) {
	// .env is optional; the environment wins over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return GlobalConfig{}, fmt.Errorf("failed to load .env file: %w", err)
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	coordinator, err := newCoordinatorConfig()
	if err != nil {
		return GlobalConfig{}, err
	}

	middleware, err := newMiddlewareConfig()
	if err != nil {
		return GlobalConfig{}, err
	}

	healthPort, err := intEnv("HEALTH_PORT", 0)
	if err != nil {
		return GlobalConfig{}, err
	}

	batches, err := intEnv("BATCHES_TO_PRODUCE", 0)
	if err != nil {
		return GlobalConfig{}, err
	}
	if batches < 0 {
		return GlobalConfig{}, fmt.Errorf("BATCHES_TO_PRODUCE must not be negative")
	}

	return GlobalConfig{
		logLevel:          logLevel,
		healthPort:        healthPort,
		batchesToProduce:  batches,
		coordinatorConfig: coordinator,
		middlewareConfig:  middleware,
	}, nil
}

func newCoordinatorConfig() (*CoordinatorConfig, error) {
	addr := os.Getenv("COORDINATOR_ADDR")
	if addr == "" {
		addr = defaultCoordinatorAddr
	}

	workerCountStr := os.Getenv("WORKER_COUNT")
	if workerCountStr == "" {
		return nil, fmt.Errorf("WORKER_COUNT environment variable is required")
	}
	workerCount, err := strconv.Atoi(workerCountStr)
	if err != nil {
		return nil, fmt.Errorf("WORKER_COUNT must be a valid integer: %w", err)
	}
	if workerCount < 1 {
		return nil, fmt.Errorf("WORKER_COUNT must be at least 1, got %d", workerCount)
	}

	batchSizeStr := os.Getenv("BATCH_SIZE")
	if batchSizeStr == "" {
		return nil, fmt.Errorf("BATCH_SIZE environment variable is required")
	}
	batchSize, err := strconv.Atoi(batchSizeStr)
	if err != nil {
		return nil, fmt.Errorf("BATCH_SIZE must be a valid integer: %w", err)
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("BATCH_SIZE must be at least 1, got %d", batchSize)
	}

	maxWrong, err := intEnv("MAX_WRONG_SAMPLES_PER_STEP", defaultMaxWrong)
	if err != nil {
		return nil, err
	}
	if maxWrong < 0 {
		return nil, fmt.Errorf("MAX_WRONG_SAMPLES_PER_STEP must not be negative")
	}

	replyTimeout, err := durationEnv("REPLY_TIMEOUT", 0)
	if err != nil {
		return nil, err
	}
	closeTimeout, err := durationEnv("CLOSE_TIMEOUT", defaultCloseTimeout)
	if err != nil {
		return nil, err
	}

	maxFieldSize, err := intEnv("MAX_FIELD_SIZE", defaultMaxFieldSize)
	if err != nil {
		return nil, err
	}
	if maxFieldSize < 1 || maxFieldSize > math.MaxInt32 {
		return nil, fmt.Errorf("MAX_FIELD_SIZE must be between 1 and %d, got %d", math.MaxInt32, maxFieldSize)
	}

	params, err := ParseWorkerParameters(os.Getenv("WORKER_PARAMETERS"))
	if err != nil {
		return nil, fmt.Errorf("WORKER_PARAMETERS: %w", err)
	}

	// SIMULATIONS_PER_STEP wins over the same name in WORKER_PARAMETERS
	subSteps, err := intEnv("SIMULATIONS_PER_STEP", 0)
	if err != nil {
		return nil, err
	}
	if subSteps < 0 || subSteps > math.MaxInt32 {
		return nil, fmt.Errorf("SIMULATIONS_PER_STEP must be a positive int32, got %d", subSteps)
	}
	if subSteps > 0 {
		params.Set(protocol.ParamSimulationsPerStep, protocol.Int(subSteps))
	}

	return &CoordinatorConfig{
		address:                addr,
		workerCount:            workerCount,
		batchSize:              batchSize,
		maxWrongSamplesPerStep: maxWrong,
		replyTimeout:           replyTimeout,
		closeTimeout:           closeTimeout,
		maxFieldSize:           maxFieldSize,
		workerParameters:       params,
	}, nil
}

func newMiddlewareConfig() (*MiddlewareConfig, error) {
	rabbitHost := os.Getenv("RABBITMQ_HOST")
	if rabbitHost == "" {
		return nil, nil
	}

	rabbitPortStr := os.Getenv("RABBITMQ_PORT")
	if rabbitPortStr == "" {
		return nil, fmt.Errorf("RABBITMQ_PORT environment variable is required")
	}
	rabbitPort, err := strconv.ParseInt(rabbitPortStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("RABBITMQ_PORT must be a valid integer: %w", err)
	}

	rabbitUser := os.Getenv("RABBITMQ_USER")
	if rabbitUser == "" {
		return nil, fmt.Errorf("RABBITMQ_USER environment variable is required")
	}

	rabbitPass := os.Getenv("RABBITMQ_PASS")
	if rabbitPass == "" {
		return nil, fmt.Errorf("RABBITMQ_PASS environment variable is required")
	}

	maxRetries, err := intEnv("MAX_RETRIES", 5)
	if err != nil {
		return nil, err
	}

	return &MiddlewareConfig{
		host:       rabbitHost,
		port:       int32(rabbitPort),
		username:   rabbitUser,
		password:   rabbitPass,
		maxRetries: maxRetries,
	}, nil
}

// NewCoordinatorConfig builds a CoordinatorConfig without going through the
// environment.
func NewCoordinatorConfig(address string, workerCount, batchSize, maxWrong int, replyTimeout, closeTimeout time.Duration, params protocol.Record) *CoordinatorConfig {
	return &CoordinatorConfig{
		address:                address,
		workerCount:            workerCount,
		batchSize:              batchSize,
		maxWrongSamplesPerStep: maxWrong,
		replyTimeout:           replyTimeout,
		closeTimeout:           closeTimeout,
		maxFieldSize:           defaultMaxFieldSize,
		workerParameters:       params,
	}
}

func intEnv(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
	}
	return v, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return v, nil
}

// ParseWorkerParameters reads a godotenv-formatted list of name=value pairs
// separated by ';'. Values that parse as integers, floats or booleans keep that
// type, everything else is text.
func ParseWorkerParameters(s string) (protocol.Record, error) {
	if s == "" {
		return nil, nil
	}
	pairs, err := godotenv.Unmarshal(strings.ReplaceAll(s, ";", "\n"))
	if err != nil {
		return nil, err
	}

	var r protocol.Record
	for _, name := range slices.Sorted(maps.Keys(pairs)) {
		r.Set(name, parseScalar(pairs[name]))
	}
	return r, nil
}

func parseScalar(s string) protocol.Value {
	if i, err := strconv.ParseInt(s, 10, 32); err == nil {
		return protocol.Int(i)
	}
	if f, err := strconv.ParseFloat(s, 32); err == nil {
		return protocol.Float(f)
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return protocol.Bool(b)
	}
	return protocol.Text(s)
}

// GlobalConfig getters
func (c GlobalConfig) GetLogLevel() string {
	return c.logLevel
}

func (c GlobalConfig) GetCoordinatorConfig() *CoordinatorConfig {
	return c.coordinatorConfig
}

func (c GlobalConfig) GetMiddlewareConfig() *MiddlewareConfig {
	return c.middlewareConfig
}

func (c GlobalConfig) GetHealthPort() int {
	return c.healthPort
}

func (c GlobalConfig) GetBatchesToProduce() int {
	return c.batchesToProduce
}

// CoordinatorConfig getters
func (c CoordinatorConfig) GetAddress() string {
	return c.address
}

func (c CoordinatorConfig) GetWorkerCount() int {
	return c.workerCount
}

func (c CoordinatorConfig) GetBatchSize() int {
	return c.batchSize
}

func (c CoordinatorConfig) GetMaxWrongSamplesPerStep() int {
	return c.maxWrongSamplesPerStep
}

// GetReplyTimeout returns 0 when replies are awaited without limit.
func (c CoordinatorConfig) GetReplyTimeout() time.Duration {
	return c.replyTimeout
}

func (c CoordinatorConfig) GetCloseTimeout() time.Duration {
	return c.closeTimeout
}

// GetMaxFieldSize bounds the size of any field a worker may send.
func (c CoordinatorConfig) GetMaxFieldSize() int {
	return c.maxFieldSize
}

func (c CoordinatorConfig) GetWorkerParameters() protocol.Record {
	return c.workerParameters
}

// MiddlewareConfig getters
func (m MiddlewareConfig) GetHost() string {
	return m.host
}

func (m MiddlewareConfig) GetPort() int32 {
	return m.port
}

func (m MiddlewareConfig) GetUsername() string {
	return m.username
}

func (m MiddlewareConfig) GetPassword() string {
	return m.password
}

func (m MiddlewareConfig) GetMaxRetries() int {
	return m.maxRetries
}
