// =============================================================================
// 📦 Nodeflow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Agent:     DefaultAgentConfig(),
		Scheduler: DefaultSchedulerConfig(),
		Token:     DefaultTokenConfig(),
		JWT:       DefaultJWTConfig(),
		Log:       DefaultLogConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "nodeflow",
		Password:        "",
		Name:            "nodeflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultAgentConfig 返回默认节点代理客户端配置
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ControlTimeout:    15 * time.Second,
		ArchiveTimeout:    15 * time.Minute,
		MaxRetries:        3,
		RetryInitialDelay: 500 * time.Millisecond,
		RetryMaxDelay:     10 * time.Second,
	}
}

// DefaultSchedulerConfig 返回默认调度器配置
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Enabled:      true,
		PollInterval: 10 * time.Second,
		TaskTimeout:  5 * time.Minute,
		LeaseTTL:     30 * time.Second,
	}
}

// DefaultTokenConfig 返回默认凭证签发配置
func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		Issuer:     "nodeflow",
		DefaultTTL: 15 * time.Minute,
		MaxTTL:     60 * time.Minute,
	}
}

// DefaultJWTConfig 返回默认操作员鉴权配置
// Secret 无默认值，必须显式配置。
func DefaultJWTConfig() JWTConfig {
	return JWTConfig{
		Issuer: "nodeflow",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}
