// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CredentialDocumentPath はCredentialドキュメントストアの固定パス。設定では変更できない。
const CredentialDocumentPath = "resources/credentials.xml"

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Relational store
	DBHost     string
	DBUser     string
	DBPassword string

	// Document store
	XMLFilePath string

	// Server
	ServerPort string

	// Logging
	LogLevel string

	// Startup probe
	DBProbeTimeout time.Duration

	// Reconciliation（0の場合は定期実行しない）
	ReconcileInterval time.Duration

	// Login throttling
	LoginRatePerMin int
	LoginBurst      int

	// Password hashing（0の場合はbcryptのデフォルトコスト）
	BcryptCost int
}

// fileConfig は設定ファイルのキー構成。キーはドット区切りのフラットな形式。
type fileConfig struct {
	DBHost      string `yaml:"db.host"`
	DBUser      string `yaml:"db.user"`
	DBPassword  string `yaml:"db.pwd"`
	XMLFilePath string `yaml:"xml.file.path"`
}

// Load は設定ファイルと環境変数からConfigを読み込む。
// pathが空の場合は環境変数IAM_CONFのパスを使用し、それも空なら環境変数のみから読み込む。
// 環境変数の値は設定ファイルの値より優先される。
// 必須項目（db.host, xml.file.path）が未設定の場合はエラーを返す。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("IAM_CONF")
	}

	var fc fileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("configuration file not found: %s", path)
			}
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %s: %w", path, err)
		}
	}

	cfg := &Config{
		DBHost:      getEnvString("IAM_DB_HOST", fc.DBHost),
		DBUser:      getEnvString("IAM_DB_USER", fc.DBUser),
		DBPassword:  getEnvString("IAM_DB_PWD", fc.DBPassword),
		XMLFilePath: getEnvString("IAM_XML_FILE_PATH", fc.XMLFilePath),
	}

	// Required fields
	var missing []string
	if cfg.DBHost == "" {
		missing = append(missing, "db.host")
	}
	if cfg.XMLFilePath == "" {
		missing = append(missing, "xml.file.path")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required configuration keys are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.DBProbeTimeout = getEnvDuration("DB_PROBE_TIMEOUT", 5*time.Second)
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", 0)
	cfg.LoginRatePerMin = getEnvInt("LOGIN_RATE_PER_MIN", 10)
	cfg.LoginBurst = getEnvInt("LOGIN_BURST", 5)
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 0)

	return cfg, nil
}

// DatabaseURL はlib/pq用の接続URLを組み立てる。
// db.hostがpostgres://形式のURLならそれを基に、そうでなければ "host:port/dbname" として扱う。
// db.user・db.pwdが設定されていればURL中の認証情報より優先する。
func (c *Config) DatabaseURL() string {
	raw := c.DBHost
	if !strings.HasPrefix(raw, "postgres://") && !strings.HasPrefix(raw, "postgresql://") {
		raw = "postgres://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return c.DBHost
	}
	if c.DBUser != "" {
		if c.DBPassword != "" {
			u.User = url.UserPassword(c.DBUser, c.DBPassword)
		} else {
			u.User = url.User(c.DBUser)
		}
	}
	q := u.Query()
	if q.Get("sslmode") == "" {
		q.Set("sslmode", "disable")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
