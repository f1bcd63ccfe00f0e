package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/blobgate/blobgate/internal/flagx"
	"github.com/blobgate/blobgate/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It uses timex.Duration for interval fields, which allows
// parsing both string values such as "1s" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON
// configuration files. After unmarshalling, its fields are copied into the
// runtime Config struct which uses time.Duration.
type JsonConfig struct {
	EndpointAddrHTTP       string         `json:"endpoint_addr_http"`
	DatabaseDSN            string         `json:"database_dsn"`
	SecretKey              string         `json:"secret_key"`
	RedisAddr              string         `json:"redis_addr"`
	GrantTTL               timex.Duration `json:"grant_ttl"`
	GrantCacheTTL          timex.Duration `json:"grant_cache_ttl"`
	S3AccessKey            string         `json:"s3_access_key"`
	S3SecretKey            string         `json:"s3_secret_key"`
	S3Bucket               string         `json:"s3_bucket"`
	S3Region               string         `json:"s3_region"`
	S3BaseEndpoint         string         `json:"s3_base_endpoint"`
	ChunkSize              int64          `json:"chunk_size"`
	MultipartThreshold     int64          `json:"multipart_threshold"`
	MaxConcurrentTransfers int64          `json:"max_concurrent_transfers"`
	MetadataTimeout        timex.Duration `json:"metadata_timeout"`
	ChunkTimeout           timex.Duration `json:"chunk_timeout"`
	ProgressLogStride      int            `json:"progress_log_stride"`
	SweepInterval          timex.Duration `json:"sweep_interval"`
	SweepGracePeriod       timex.Duration `json:"sweep_grace_period"`
	SessionStaleAfter      timex.Duration `json:"session_stale_after"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The JSON file path comes from the -c or -config command-line flags.
// If neither is set, no JSON file is loaded. If the file cannot be read or
// contains invalid JSON, the function panics.
//
// The caller is expected to merge these values with defaults and
// command-line flags as part of the full configuration process.
func parseJson(config *Config) {

	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	config.EndpointAddrHTTP = c.EndpointAddrHTTP
	config.DatabaseDSN = c.DatabaseDSN
	config.SecretKey = c.SecretKey
	config.RedisAddr = c.RedisAddr
	config.GrantTTL = time.Duration(c.GrantTTL.Duration)
	config.GrantCacheTTL = time.Duration(c.GrantCacheTTL.Duration)
	config.S3AccessKey = c.S3AccessKey
	config.S3SecretKey = c.S3SecretKey
	config.S3Bucket = c.S3Bucket
	config.S3Region = c.S3Region
	config.S3BaseEndpoint = c.S3BaseEndpoint
	config.ChunkSize = c.ChunkSize
	config.MultipartThreshold = c.MultipartThreshold
	config.MaxConcurrentTransfers = c.MaxConcurrentTransfers
	config.MetadataTimeout = time.Duration(c.MetadataTimeout.Duration)
	config.ChunkTimeout = time.Duration(c.ChunkTimeout.Duration)
	config.ProgressLogStride = c.ProgressLogStride
	config.SweepInterval = time.Duration(c.SweepInterval.Duration)
	config.SweepGracePeriod = time.Duration(c.SweepGracePeriod.Duration)
	config.SessionStaleAfter = time.Duration(c.SessionStaleAfter.Duration)
}
