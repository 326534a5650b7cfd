package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jinzhu/configor"
	"github.com/joho/godotenv"
)

type AppConfig struct {
	Provider        string   `default:"dropbox" env:"PROVIDER"`
	SyncFolder      string   `env:"SYNC_FOLDER"`
	RemoteFolder    string   `env:"REMOTE_FOLDER"`
	FilesMask       MaskList `env:"FILES_MASK"`
	MaxFiles        int      `env:"MAX_FILES"`
	DeleteAfterSync bool     `env:"DELETE_FILE_AFTER_SYNC"`
	Interval        int      `env:"INTERVAL"`
	LockFile        string   `env:"LOCK_FILE"`
	CallTimeoutSecs int      `default:"60" env:"CALL_TIMEOUT"`
	PollTimeoutSecs int      `default:"300" env:"POLL_TIMEOUT"`
	Dropbox         DropboxConfig
	S3              S3Config
	Log             LogConfig
	Notify          NotifyConfig
}

type DropboxConfig struct {
	Folder string `env:"DROPBOX_FOLDER"`
	Token  string `env:"DROPBOX_APP_TOKEN"`
}

type S3Config struct {
	Bucket          string `env:"S3_BUCKET"`
	Region          string `default:"us-east-1" env:"AWS_REGION"`
	Profile         string `env:"AWS_PROFILE"`
	Endpoint        string `env:"S3_ENDPOINT"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
}

type LogConfig struct {
	Level       string `default:"info" env:"LOG_LEVEL"`
	ServiceName string `default:"dropsync" env:"SERVICE_NAME"`
	FilePath    string `env:"LOG_FILE_PATH"`
	MaxFiles    int    `default:"7" env:"MAX_LOG_FILES"`
}

type NotifyConfig struct {
	Topic   string `env:"SNS_TOPIC"`
	Region  string `env:"SNS_REGION"`
	Profile string `env:"SNS_PROFILE"`
}

// MaskList is a list of masks that also accepts a single comma separated
// string, the FILES_MASK format.
type MaskList []string

func (m *MaskList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var list []string
	if listErr := unmarshal(&list); listErr == nil {
		*m = splitMasks(list)
		return nil
	}

	var single string
	if singleErr := unmarshal(&single); singleErr != nil {
		return singleErr
	}
	*m = splitMasks([]string{single})
	return nil
}

// LoadConfig reads configFile (YAML, JSON or TOML) and, when envFile is set,
// the dotenv style key file whose keys override the file values.
func LoadConfig(configFile, envFile string) (AppConfig, error) {
	var appConfig AppConfig

	if envFile != "" {
		if envErr := godotenv.Overload(envFile); envErr != nil {
			return appConfig, newSyncError(ConfigError, "load env file", envFile, envErr)
		}
	}

	files := make([]string, 0, 1)
	if configFile != "" {
		files = append(files, configFile)
	}
	loader := configor.New(&configor.Config{ENVPrefix: "-", Silent: true})
	if loadErr := loader.Load(&appConfig, files...); loadErr != nil {
		return appConfig, newSyncError(ConfigError, "load config", configFile, loadErr)
	}

	appConfig.FilesMask = splitMasks(appConfig.FilesMask)
	if appConfig.RemoteFolder == "" && appConfig.Provider == "dropbox" {
		appConfig.RemoteFolder = appConfig.Dropbox.Folder
	}

	if validateErr := appConfig.Validate(); validateErr != nil {
		return appConfig, validateErr
	}
	return appConfig, nil
}

func splitMasks(raw []string) MaskList {
	masks := make(MaskList, 0, len(raw))
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			if part = strings.TrimSpace(part); part != "" {
				masks = append(masks, part)
			}
		}
	}
	return masks
}

func (c AppConfig) Validate() error {
	problems := make([]error, 0)
	if c.SyncFolder == "" {
		problems = append(problems, errors.New("SyncFolder is required"))
	} else if info, statErr := os.Stat(c.SyncFolder); statErr != nil || !info.IsDir() {
		problems = append(problems, fmt.Errorf("SyncFolder %s is not a directory", c.SyncFolder))
	}
	if len(c.FilesMask) == 0 {
		problems = append(problems, errors.New("FilesMask needs at least one mask"))
	}
	if _, maskErr := CompileMasks(c.FilesMask); maskErr != nil {
		problems = append(problems, maskErr)
	}
	switch c.Provider {
	case "dropbox":
		if c.Dropbox.Token == "" {
			problems = append(problems, errors.New("Dropbox.Token is required"))
		}
	case "s3":
		if c.S3.Bucket == "" {
			problems = append(problems, errors.New("S3.Bucket is required"))
		}
	default:
		problems = append(problems, fmt.Errorf("Unknown provider: %s", c.Provider))
	}
	if c.MaxFiles < 0 || c.Interval < 0 {
		problems = append(problems, errors.New("MaxFiles and Interval must not be negative"))
	}

	if len(problems) > 0 {
		return newSyncError(ConfigError, "validate", "", errors.Join(problems...))
	}
	return nil
}

func (c AppConfig) StoreFromConfig() (RemoteStore, error) {
	switch c.Provider {
	case "dropbox":
		return NewDropboxStore(c)
	case "s3":
		return NewS3Store(c)
	default:
		return nil, newSyncError(ConfigError, "store", "", fmt.Errorf("Unknown provider: %s", c.Provider))
	}
}

func (c AppConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSecs) * time.Second
}

func (c AppConfig) PollPolicy() PollPolicy {
	policy := defaultPollPolicy
	if c.PollTimeoutSecs > 0 {
		policy.Timeout = time.Duration(c.PollTimeoutSecs) * time.Second
	}
	return policy
}

func (c AppConfig) ConfigStringArray() []string {
	configStrArr := make([]string, 0)
	configStrArr = append(configStrArr, fmt.Sprintf("  - Provider: %s", c.Provider))
	configStrArr = append(configStrArr, fmt.Sprintf("  - SyncFolder: %s", c.SyncFolder))
	configStrArr = append(configStrArr, fmt.Sprintf("  - RemoteFolder: %s", c.RemoteFolder))
	configStrArr = append(configStrArr, fmt.Sprintf("  - FilesMask: %s", strings.Join(c.FilesMask, ", ")))
	configStrArr = append(configStrArr, fmt.Sprintf("  - MaxFiles: %d", c.MaxFiles))
	configStrArr = append(configStrArr, fmt.Sprintf("  - DeleteAfterSync: %t", c.DeleteAfterSync))

	if c.Provider == "s3" {
		configStrArr = append(configStrArr, fmt.Sprintf("  - Bucket: %s (%s)", c.S3.Bucket, c.S3.Region))
	}
	if c.Interval > 0 {
		configStrArr = append(configStrArr, fmt.Sprintf("  - Interval: %ds", c.Interval))
	}
	if c.Notify.Topic != "" {
		configStrArr = append(configStrArr, fmt.Sprintf("  - SNSTopic: %s", c.Notify.Topic))
	}

	return configStrArr
}
