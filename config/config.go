package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5401"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"ALLOQ_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"ALLOQ_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"ALLOQ_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"ALLOQ_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"ALLOQ_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"ALLOQ_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"ALLOQ_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"ALLOQ_REDIS_DNS"`
}

// QueueConfig drives the asynq workers. Allocation work is sharded across
// NumberOfQueues queues by case id so same-case tasks are processed serially.
type QueueConfig struct {
	AllocationQueue  string `json:"allocation_queue" envconfig:"ALLOQ_QUEUE_ALLOCATION"`
	BatchQueue       string `json:"batch_queue" envconfig:"ALLOQ_QUEUE_BATCH"`
	WebhookQueue     string `json:"webhook_queue" envconfig:"ALLOQ_QUEUE_WEBHOOK"`
	NumberOfQueues   int    `json:"number_of_queues" envconfig:"ALLOQ_NUMBER_OF_QUEUES"`
	MaxRetryAttempts int    `json:"max_retry_attempts" envconfig:"ALLOQ_QUEUE_MAX_RETRY_ATTEMPTS"`
	MonitoringPort   string `json:"monitoring_port" envconfig:"ALLOQ_QUEUE_MONITORING_PORT"`
}

// DirectoryConfig points at one of the upstream directory services (case
// management, agency/agent master data).
type DirectoryConfig struct {
	Url           string `json:"url"`
	Timeout       int    `json:"timeout"`
	Authorization string `json:"authorization"`
}

// CapacityConfig sets the defaults applied when an owner has no explicit
// counter row yet.
type CapacityConfig struct {
	DefaultMax    int64  `json:"default_max" envconfig:"ALLOQ_CAPACITY_DEFAULT_MAX"`
	DefaultPolicy string `json:"default_policy" envconfig:"ALLOQ_CAPACITY_DEFAULT_POLICY"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"ALLOQ_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"ALLOQ_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"ALLOQ_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName    string           `json:"project_name" envconfig:"ALLOQ_PROJECT_NAME"`
	Server         ServerConfig     `json:"server"`
	DataSource     DataSourceConfig `json:"data_source"`
	Redis          RedisConfig      `json:"redis"`
	Queue          QueueConfig      `json:"queue"`
	CaseDirectory  DirectoryConfig  `json:"case_directory"`
	OwnerDirectory DirectoryConfig  `json:"owner_directory"`
	Capacity       CapacityConfig   `json:"capacity"`
	RateLimit      RateLimitConfig  `json:"rate_limit"`
	Notification   Notification     `json:"notification"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("alloq", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called alloq.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Alloq Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.applyQueueAndCapacityDefaults()

	return nil
}

func (cnf *Configuration) applyQueueAndCapacityDefaults() {
	if cnf.Queue.AllocationQueue == "" {
		cnf.Queue.AllocationQueue = "new:allocation"
	}
	if cnf.Queue.BatchQueue == "" {
		cnf.Queue.BatchQueue = "new:batch"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "new:webhook"
	}
	if cnf.Queue.NumberOfQueues <= 0 {
		cnf.Queue.NumberOfQueues = 20
	}
	if cnf.Queue.MaxRetryAttempts <= 0 {
		cnf.Queue.MaxRetryAttempts = 3
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5402"
	}

	if cnf.Capacity.DefaultMax <= 0 {
		cnf.Capacity.DefaultMax = 500
	}
	if cnf.Capacity.DefaultPolicy == "" {
		cnf.Capacity.DefaultPolicy = "hard"
	}
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mockConfig.applyQueueAndCapacityDefaults()
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
