package types

// CommonConf 包含共有的配置
type CommonConf struct {
	DataDir string `ini:"data_dir"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// CheckerConf holds the verification engine defaults. Individual runs may
// override any of these through the run options.
type CheckerConf struct {
	Concurrency    int    `ini:"concurrency"`
	TimeoutMs      int    `ini:"timeout_ms"`
	ProbeURL       string `ini:"probe_url"`
	EchoURL        string `ini:"echo_url"`
	SelfAddressURL string `ini:"self_address_url"`
	LogCap         int    `ini:"log_cap"`
}

// SourcesConf holds the aggregation defaults.
type SourcesConf struct {
	EgressProxy    string `ini:"egress_proxy"`
	FetchTimeoutMs int    `ini:"fetch_timeout_ms"`
}

// WebConf 包含 Web 服务配置
type WebConf struct {
	WebPort     int    `ini:"web_port"`
	WebUser     string `ini:"web_user"`
	WebPassword string `ini:"web_password"`
}

// Config 是统一配置结构体 (现在只包含行为配置)
type Config struct {
	CommonConf  `ini:"common"`
	LogConf     `ini:"log"`
	CheckerConf `ini:"checker"`
	SourcesConf `ini:"sources"`
	WebConf     `ini:"web"`
}
