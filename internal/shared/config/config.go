package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"
	"proxypulse/internal/shared/types"
)

// LoadIni 只加载 proxypulse.ini 行为配置文件。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvStr(&cfg.SourcesConf.EgressProxy, "EGRESS_PROXY")
	overrideFromEnvInt(&cfg.CheckerConf.Concurrency, "CHECKER_CONCURRENCY")
	applyDefaults(cfg)
	return nil
}

// applyDefaults fills in the values a run cannot work without.
func applyDefaults(cfg *types.Config) {
	if cfg.CheckerConf.Concurrency <= 0 {
		cfg.CheckerConf.Concurrency = 20
	}
	if cfg.CheckerConf.TimeoutMs <= 0 {
		cfg.CheckerConf.TimeoutMs = 10000
	}
	if cfg.CheckerConf.ProbeURL == "" {
		cfg.CheckerConf.ProbeURL = "https://www.google.com/generate_204"
	}
	if cfg.CheckerConf.EchoURL == "" {
		cfg.CheckerConf.EchoURL = "http://httpbin.org/headers"
	}
	if cfg.CheckerConf.SelfAddressURL == "" {
		cfg.CheckerConf.SelfAddressURL = "https://api.ipify.org"
	}
	if cfg.CheckerConf.LogCap <= 0 {
		cfg.CheckerConf.LogCap = 500
	}
	if cfg.SourcesConf.FetchTimeoutMs <= 0 {
		cfg.SourcesConf.FetchTimeoutMs = 30000
	}
	if cfg.CommonConf.DataDir == "" {
		cfg.CommonConf.DataDir = "data"
	}
}

// LoadSources 加载 sources.json 数据文件。
func LoadSources(fileName string) ([]*types.SourceListing, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		// 如果文件不存在，返回一个空列表而不是错误
		if os.IsNotExist(err) {
			return []*types.SourceListing{}, nil
		}
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}

	var listings []*types.SourceListing
	if err := json.Unmarshal(data, &listings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sources.json: %w", err)
	}
	return listings, nil
}

// SaveSources 将代理源列表保存到 sources.json。
func SaveSources(fileName string, listings []*types.SourceListing) error {
	data, err := json.MarshalIndent(listings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal source listings: %w", err)
	}
	return os.WriteFile(fileName, data, 0644)
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvStr(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
