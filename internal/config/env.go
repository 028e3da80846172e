// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// loadFromEnv overrides configuration from BG_* environment variables.
// Values that fail to parse are ignored.
func (c *Config) loadFromEnv() {
	// Server configuration
	if val := os.Getenv("BG_HOST"); val != "" {
		c.Server.Host = val
	}
	if val := os.Getenv("BG_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Server.Port = port
		}
	}
	if val := os.Getenv("BG_URL_PREFIX"); val != "" {
		c.Server.URLPrefix = val
	}
	if val := os.Getenv("BG_SSL_ENABLED"); val != "" {
		c.Server.SSL.Enabled = parseBool(val)
	}
	if val := os.Getenv("BG_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Server.ShutdownTimeout = d
		}
	}

	// Log configuration
	if val := os.Getenv("BG_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = parseBool(val)
	}

	// Storage
	if val := os.Getenv("BG_DB_TYPE"); val != "" {
		c.DB.Type = strings.ToLower(val)
	}
	if val := os.Getenv("BG_DB_PATH"); val != "" {
		c.DB.Path = val
	}
	if val := os.Getenv("BG_BLOB_TYPE"); val != "" {
		c.Blob.Type = strings.ToLower(val)
	}
	if val := os.Getenv("BG_REDIS_URL"); val != "" {
		c.Blob.RedisURL = val
	}

	// Broker
	if val := os.Getenv("BG_AMQ_TYPE"); val != "" {
		c.AMQ.Type = strings.ToLower(val)
	}
	if val := os.Getenv("BG_NATS_URL"); val != "" {
		c.AMQ.URL = val
	}
	if val := os.Getenv("BG_ADMIN_QUEUE_EXPIRY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.AMQ.AdminQueueExpiry = d
		}
	}

	// Request engine
	if val := os.Getenv("BG_COMMAND_CHOICES_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Request.CommandChoicesTimeout = d
		}
	}

	// Scheduler
	if val := os.Getenv("BG_SCHEDULER_MAX_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Scheduler.MaxWorkers = n
		}
	}

	// Plugins
	if val := os.Getenv("BG_PLUGIN_DIRECTORY"); val != "" {
		c.Plugin.Local.Directory = val
	}
	if val := os.Getenv("BG_PLUGIN_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Plugin.Local.Timeout.Shutdown = d
		}
	}
	if val := os.Getenv("BG_PLUGIN_PASSWORD"); val != "" {
		c.Plugin.Local.Auth.Password = val
	}

	// Auth
	if val := os.Getenv("BG_AUTH_ENABLED"); val != "" {
		c.Auth.Enabled = parseBool(val)
	}
	if val := os.Getenv("BG_AUTH_TOKEN_SECRET"); val != "" {
		c.Auth.TokenSecret = val
	}
	if val := os.Getenv("BG_DEFAULT_ADMIN_PASSWORD"); val != "" {
		c.Auth.DefaultAdminPassword = val
	}

	if val := os.Getenv("BG_GARDEN_NAME"); val != "" {
		c.Garden.Name = val
	}

	// Tracing
	if val := os.Getenv("BG_TRACING_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
		c.Tracing.Enabled = true
	}
}

func parseBool(val string) bool {
	return val == "1" || strings.EqualFold(val, "true")
}
